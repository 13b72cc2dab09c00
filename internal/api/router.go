// Package api assembles the HTTP surface of the Elder core: the chi
// router, the middleware stack, and the /api/v1 resource routes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/elder-platform/elder/internal/api/handlers"
	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/config"
	"github.com/elder-platform/elder/internal/store"
)

// NewRouter wires the middleware stack and every API route. The caller owns
// the limiter and closes it on shutdown.
func NewRouter(cfg *config.Config, s store.Store, h *handlers.Handlers, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAuth(s).Handler)
	r.Use(limiter.Handler)

	// Public surface
	r.Get("/healthz", h.Healthz)
	r.Get("/version", h.Version)
	r.Get("/r/{vid}", h.Redirect)
	r.Get("/lookup/{vid}", h.Lookup)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/graph", func(r chi.Router) {
			std := middleware.Timeout(cfg.Requests.Timeout)
			r.With(std).Get("/impact", h.Impact)
			r.With(std).Get("/path", h.Path)
			r.With(std).Get("/topology", h.Topology)
			// Analyze may legitimately run past the standard request
			// deadline; it gets the engine's cap instead.
			r.With(middleware.Timeout(cfg.Graph.AnalyzeTimeout)).Get("/analyze", h.Analyze)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Requests.Timeout))
			routeResources(r, h)
		})
	})

	return r
}

// routeResources registers every deadline-capped /api/v1 resource route.
func routeResources(r chi.Router, h *handlers.Handlers) {
	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", h.ListTenants)
		r.Post("/", h.CreateTenant)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTenant)
			r.Put("/", h.UpdateTenant)
			r.Delete("/", h.DeleteTenant)
		})
	})

	r.Route("/organizations", func(r chi.Router) {
		r.Get("/", h.ListOrganizations)
		r.Post("/", h.CreateOrganization)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrganization)
			r.Put("/", h.UpdateOrganization)
			r.Delete("/", h.DeleteOrganization)
			r.Get("/children", h.OrganizationChildren)
			r.Get("/hierarchy", h.OrganizationHierarchy)
		})
	})

	r.Route("/entities", func(r chi.Router) {
		r.Get("/", h.ListEntities)
		r.Post("/", h.CreateEntity)
		r.Post("/bulk", h.BulkCreateEntities)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEntity)
			r.Put("/", h.UpdateEntity)
			r.Delete("/", h.DeleteEntity)
		})
	})

	r.Route("/dependencies", func(r chi.Router) {
		r.Get("/", h.ListDependencies)
		r.Post("/", h.CreateDependency)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetDependency)
			r.Put("/", h.UpdateDependency)
			r.Delete("/", h.DeleteDependency)
		})
	})

	r.Route("/identities", func(r chi.Router) {
		r.Get("/", h.ListIdentities)
		r.Post("/", h.CreateIdentity)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetIdentity)
			r.Put("/", h.UpdateIdentity)
			r.Delete("/", h.DeleteIdentity)
			r.Route("/tokens", func(r chi.Router) {
				r.Get("/", h.ListTokens)
				r.Delete("/{tokenID}", h.DeleteToken)
			})
		})
	})

	r.Post("/tokens", h.CreateToken)

	r.Route("/resource-roles", func(r chi.Router) {
		r.Get("/", h.ListResourceRoles)
		r.Post("/", h.UpsertResourceRole)
		r.Delete("/{id}", h.DeleteResourceRole)
	})

	r.Route("/issues", func(r chi.Router) {
		r.Get("/", h.ListIssues)
		r.Post("/", h.CreateIssue)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetIssue)
			r.Put("/", h.UpdateIssue)
			r.Delete("/", h.DeleteIssue)
			r.Route("/comments", func(r chi.Router) {
				r.Get("/", h.ListIssueComments)
				r.Post("/", h.CreateIssueComment)
			})
		})
	})

	r.Route("/milestones", func(r chi.Router) {
		r.Get("/", h.ListMilestones)
		r.Post("/", h.CreateMilestone)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetMilestone)
			r.Put("/", h.UpdateMilestone)
			r.Delete("/", h.DeleteMilestone)
		})
	})

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", h.ListProjects)
		r.Post("/", h.CreateProject)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Put("/", h.UpdateProject)
			r.Delete("/", h.DeleteProject)
		})
	})

	r.Route("/on-call", func(r chi.Router) {
		r.Get("/current", h.CurrentOnCall)
		r.Get("/timeline", h.OnCallTimeline)
		r.Route("/rotations", func(r chi.Router) {
			r.Get("/", h.ListRotations)
			r.Post("/", h.CreateRotation)
			r.Put("/{id}", h.UpdateRotation)
			r.Delete("/{id}", h.DeleteRotation)
		})
		r.Route("/overrides", func(r chi.Router) {
			r.Post("/", h.CreateOverride)
			r.Delete("/{id}", h.DeleteOverride)
		})
	})

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.ListGroups)
		r.Post("/", h.CreateGroup)
		r.Post("/sweep-expired", h.SweepExpiredRequests)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetGroup)
			r.Put("/", h.UpdateGroup)
			r.Delete("/", h.DeleteGroup)
			r.Get("/members", h.ListGroupMembers)
			r.Route("/requests", func(r chi.Router) {
				r.Get("/", h.ListAccessRequests)
				r.Post("/", h.SubmitAccessRequest)
				r.Post("/{requestID}/decide", h.DecideAccessRequest)
				r.Post("/{requestID}/revoke", h.RevokeAccessRequest)
			})
		})
	})

	r.Route("/audit-logs", func(r chi.Router) {
		r.Get("/", h.ListAuditRecords)
		r.Post("/purge", h.PurgeAuditRecords)
	})
}
