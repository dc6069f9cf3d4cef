package payload

import (
	"context"

	"yqhp/taskfarm/pkg/types"
)

type attachmentsKey struct{}

func withAttachments(ctx context.Context, attachments []types.Attachment) context.Context {
	if len(attachments) == 0 {
		return ctx
	}
	paths := make(map[string]string, len(attachments))
	for _, att := range attachments {
		paths[att.AttachmentName()] = att.Path
	}
	return context.WithValue(ctx, attachmentsKey{}, paths)
}

// Attachments returns the local paths of the running task's attachments,
// keyed by attachment name. Backends that ship attachments rewrite the
// paths to wherever they were materialized.
func Attachments(ctx context.Context) map[string]string {
	paths, _ := ctx.Value(attachmentsKey{}).(map[string]string)
	return paths
}
