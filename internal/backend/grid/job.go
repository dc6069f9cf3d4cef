package grid

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"yqhp/taskfarm/pkg/types"
)

const (
	labelManagedBy = "taskfarm.io/managed-by"
	labelTaskID    = "taskfarm.io/task-id"
	labelJob       = "taskfarm.io/job"
	managerName    = "taskfarm"

	containerName   = "task"
	inputVolumeName = "task-input"
	inputMountPath  = "/mnt/input"
	inputFileName   = "input.json"
	sourceFileName  = "source.js"
)

// Environment understood by `taskfarm exec`.
const (
	EnvTaskID        = "TASK_ID"
	EnvPayloadKind   = "PAYLOAD_KIND"
	EnvPayloadRef    = "PAYLOAD_REF"
	EnvPayloadEntry  = "PAYLOAD_ENTRY"
	EnvPayloadArgs   = "PAYLOAD_ARGS"
	EnvInputPath     = "INPUT_PATH"
	EnvAttachmentDir = "ATTACHMENT_DIR"
)

var nameSanitizer = regexp.MustCompile(`[^a-z0-9\-]+`)

func sanitizeName(base string) string {
	base = strings.ToLower(base)
	base = nameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "task"
	}
	if len(base) > 40 {
		base = base[:40]
	}
	return base
}

func inputConfigMapName(taskID string) string {
	return "taskfarm-input-" + sanitizeName(taskID)
}

func jobName(taskID string, attempt int) string {
	return fmt.Sprintf("taskfarm-%s-%d", sanitizeName(taskID), attempt)
}

// ensureInput creates the ConfigMap holding input.json, inline script
// source and attachment contents. Retries of the task reuse it.
func (a *Adapter) ensureInput(ctx context.Context, task *types.Task) error {
	input, err := sonic.Marshal(task.Input)
	if err != nil {
		return &types.ErrorInfo{Kind: types.KindError, Message: fmt.Sprintf("encode input: %v", err)}
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      inputConfigMapName(task.ID),
			Namespace: a.config.Namespace,
			Labels: map[string]string{
				labelManagedBy: managerName,
				labelTaskID:    sanitizeName(task.ID),
			},
		},
		Data:       map[string]string{inputFileName: string(input)},
		BinaryData: map[string][]byte{},
	}
	if task.Payload.Source != "" {
		cm.Data[sourceFileName] = task.Payload.Source
	}
	for _, att := range task.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return fmt.Errorf("read attachment %s: %w", att.Path, err)
		}
		cm.BinaryData[att.AttachmentName()] = data
	}

	_, err = a.client.CoreV1().ConfigMaps(a.config.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create configmap %s: %w", cm.Name, err)
	}
	return nil
}

// buildJob fills the template, or a single-container Job, with the
// attempt's name, labels, environment and input volume.
func (a *Adapter) buildJob(task *types.Task, attempt int) *batchv1.Job {
	name := jobName(task.ID, attempt)

	var job *batchv1.Job
	if a.template != nil {
		job = a.template.DeepCopy()
	} else {
		job = &batchv1.Job{
			Spec: batchv1.JobSpec{
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						RestartPolicy: corev1.RestartPolicyNever,
						Containers: []corev1.Container{{
							Name:    containerName,
							Image:   a.config.Image,
							Command: append([]string(nil), a.config.Command...),
						}},
					},
				},
			},
		}
	}

	backoff := int32(0)
	job.Name = name
	job.Namespace = a.config.Namespace
	job.Spec.BackoffLimit = &backoff
	jobLabels := map[string]string{
		labelManagedBy: managerName,
		labelTaskID:    sanitizeName(task.ID),
		labelJob:       name,
	}
	job.Labels = mergeLabels(job.Labels, jobLabels)
	job.Spec.Template.Labels = mergeLabels(job.Spec.Template.Labels, jobLabels)
	if job.Spec.Template.Spec.RestartPolicy == "" {
		job.Spec.Template.Spec.RestartPolicy = corev1.RestartPolicyNever
	}

	ref := task.Payload.Ref
	if task.Payload.Source != "" {
		ref = inputMountPath + "/" + sourceFileName
	}
	args, _ := sonic.MarshalString(task.Payload.Args)
	env := []corev1.EnvVar{
		{Name: EnvTaskID, Value: task.ID},
		{Name: EnvPayloadKind, Value: string(task.Payload.Kind)},
		{Name: EnvPayloadRef, Value: ref},
		{Name: EnvPayloadEntry, Value: task.Payload.Entry},
		{Name: EnvPayloadArgs, Value: args},
		{Name: EnvInputPath, Value: inputMountPath + "/" + inputFileName},
		{Name: EnvAttachmentDir, Value: inputMountPath},
	}

	for i := range job.Spec.Template.Spec.Containers {
		c := &job.Spec.Template.Spec.Containers[i]
		if a.config.Image != "" {
			c.Image = a.config.Image
		}
		for _, e := range env {
			c.Env = setEnv(c.Env, e)
		}
		ensureVolumeMount(c, inputVolumeName, inputMountPath)
	}
	ensureConfigMapVolume(&job.Spec.Template.Spec.Volumes, inputVolumeName, inputConfigMapName(task.ID))
	return job
}

func setEnv(envs []corev1.EnvVar, e corev1.EnvVar) []corev1.EnvVar {
	for i := range envs {
		if envs[i].Name == e.Name {
			envs[i].Value = e.Value
			return envs
		}
	}
	return append(envs, e)
}

func ensureConfigMapVolume(vols *[]corev1.Volume, name, cmName string) {
	src := corev1.VolumeSource{
		ConfigMap: &corev1.ConfigMapVolumeSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
		},
	}
	for i := range *vols {
		if (*vols)[i].Name == name {
			(*vols)[i].VolumeSource = src
			return
		}
	}
	*vols = append(*vols, corev1.Volume{Name: name, VolumeSource: src})
}

func ensureVolumeMount(c *corev1.Container, name, mountPath string) {
	for i := range c.VolumeMounts {
		if c.VolumeMounts[i].Name == name {
			c.VolumeMounts[i].MountPath = mountPath
			c.VolumeMounts[i].ReadOnly = true
			return
		}
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{Name: name, MountPath: mountPath, ReadOnly: true})
}

func mergeLabels(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// fetchLogs returns the last LogTailLines lines of the Job's pod.
func (a *Adapter) fetchLogs(ctx context.Context, jobName string) (string, error) {
	selector := labels.SelectorFromSet(map[string]string{labelJob: jobName})
	pods, err := a.client.CoreV1().Pods(a.config.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", fmt.Errorf("no pod found for job %s", jobName)
	}

	tail := a.config.LogTailLines
	req := a.client.CoreV1().Pods(a.config.Namespace).GetLogs(pods.Items[len(pods.Items)-1].Name, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: &tail,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var builder strings.Builder
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		builder.WriteString(scanner.Text())
		builder.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return builder.String(), nil
}
