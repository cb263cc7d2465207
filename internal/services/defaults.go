package services

import (
	"jobflow/internal/job"
	"jobflow/internal/registry"
)

// Apps holds the application contexts shared by every job.
type Apps struct {
	HTTP   *HTTPApp
	Docker *DockerApp // nil when no Docker daemon is configured
}

// Register adds the built-in services and apps to reg.
func Register(reg *registry.Registry, apps Apps) {
	reg.RegisterService(NoopClass, NewNoopService)
	reg.RegisterService(WebhookClass, NewWebhookService)
	reg.RegisterService(ContainerClass, NewContainerService)

	reg.RegisterApp(DefaultAppClass, func() job.App { return DefaultApp{} })
	if apps.HTTP != nil {
		reg.RegisterApp(HTTPAppClass, func() job.App { return apps.HTTP })
	}
	if apps.Docker != nil {
		reg.RegisterApp(DockerAppClass, func() job.App { return apps.Docker })
	}
}
