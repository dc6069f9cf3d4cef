package config

import (
	"yqhp/taskfarm/internal/backend/grid"
	"yqhp/taskfarm/internal/backend/local"
	"yqhp/taskfarm/internal/backend/volunteer"
	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/pkg/logger"
)

// ToSchedulerConfig maps the master section onto a scheduler configuration.
// Clock, logger and checkpointer are left for the caller.
func (c *Config) ToSchedulerConfig() *master.Config {
	cfg := master.DefaultConfig()
	m := c.Master
	if m.MaxAttempts > 0 {
		cfg.MaxAttempts = m.MaxAttempts
	}
	if m.DispatchInterval > 0 {
		cfg.DispatchInterval = m.DispatchInterval
	}
	if m.DiscoveryInterval > 0 {
		cfg.DiscoveryInterval = m.DiscoveryInterval
	}
	cfg.TaskTimeout = m.TaskTimeout
	if m.FinalizeGrace > 0 {
		cfg.FinalizeGrace = m.FinalizeGrace
	}
	if m.CancelGrace > 0 {
		cfg.CancelGrace = m.CancelGrace
	}
	if m.BackendTimeout > 0 {
		cfg.BackendTimeout = m.BackendTimeout
	}
	if len(m.TransientKinds) > 0 {
		cfg.TransientKinds = append([]string(nil), m.TransientKinds...)
	}
	return cfg
}

// ToLoggerConfig maps the logging section onto pkg/logger.
func (c *Config) ToLoggerConfig() *logger.Config {
	l := c.Logging
	return &logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
	}
}

// LocalAdapterConfig returns the local backend settings.
func (c *Config) LocalAdapterConfig() local.Config {
	return local.Config{
		Workers:           c.Local.Workers,
		Tags:              append([]string(nil), c.Local.Tags...),
		SpeedClass:        c.Local.SpeedClass,
		RemoveAttachments: c.Local.RemoveAttachments,
	}
}

// GridAdapterConfig returns the Kubernetes Job backend settings.
func (c *Config) GridAdapterConfig() grid.Config {
	g := c.Grid
	return grid.Config{
		Namespace:    g.Namespace,
		Kubeconfig:   g.Kubeconfig,
		Image:        g.Image,
		Command:      append([]string(nil), g.Command...),
		TemplatePath: g.TemplatePath,
		Slots:        g.Slots,
		Tags:         append([]string(nil), g.Tags...),
		Platform:     g.Platform,
		SpeedClass:   g.SpeedClass,
		ResultPath:   g.ResultPath,
		LogTailLines: g.LogTailLines,
	}
}

// VolunteerAdapterConfig returns the master-side lease settings.
func (c *Config) VolunteerAdapterConfig() volunteer.Config {
	return volunteer.Config{
		LeaseTimeout: c.Volunteer.LeaseTimeout,
		MaxUnits:     c.Volunteer.MaxUnits,
	}
}

// VolunteerClientConfig returns the settings of a volunteer process, on top
// of the defaults for this machine.
func (c *Config) VolunteerClientConfig() *volunteer.ClientConfig {
	cfg := volunteer.DefaultClientConfig()
	v := c.Volunteer
	if v.MasterURL != "" {
		cfg.MasterURL = v.MasterURL
	}
	if v.Slots > 0 {
		cfg.Slots = v.Slots
	}
	cfg.Tags = append([]string(nil), v.Tags...)
	cfg.SpeedClass = v.SpeedClass
	if v.PollInterval > 0 {
		cfg.PollInterval = v.PollInterval
	}
	if v.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = v.HeartbeatInterval
	}
	return cfg
}
