// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unibeck/retro-state/bus"
	"github.com/unibeck/retro-state/historic"
	"github.com/unibeck/retro-state/pkg/validation"
	"github.com/unibeck/retro-state/sink/recorder"
)

type proposeRequest struct {
	Value      string            `json:"value" binding:"required"`
	OccurredAt string            `json:"occurred_at" binding:"required"`
	Attributes map[string]string `json:"attributes"`
}

// newRouter builds the daemon's status and ingestion API.
func newRouter(registry *historic.Registry, b *bus.Bus, rec *recorder.Recorder) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "retrostated"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/v1/sinks", func(c *gin.Context) {
		type sinkStatus struct {
			Sink        string `json:"sink"`
			State       string `json:"state"`
			PossibleGap bool   `json:"possible_gap"`
			QueueDepth  int    `json:"queue_depth"`
		}
		var out []sinkStatus
		for _, reg := range b.Registrations() {
			out = append(out, sinkStatus{
				Sink:        reg.SinkName(),
				State:       reg.State().String(),
				PossibleGap: reg.PossibleGap(),
				QueueDepth:  reg.QueueDepth(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"sinks": out})
	})

	router.GET("/v1/entities", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"entity_keys": registry.Keys()})
	})

	router.GET("/v1/entities/:key", func(c *gin.Context) {
		entity, ok := registry.Get(c.Param("key"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown entity"})
			return
		}
		snap, ok := entity.Current()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity has no accepted updates"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	router.POST("/v1/entities/:key/propose", func(c *gin.Context) {
		var req proposeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}

		key, err := validation.SanitizeEntityKey(c.Param("key"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		occurredAt, err := historic.ParseTimestamp(req.OccurredAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		entity := registry.GetOrCreate(key)
		snap, err := entity.Propose(req.Value, occurredAt, req.Attributes)
		if err != nil {
			var verr *historic.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, snap)
	})

	if rec != nil {
		router.GET("/v1/history/:key", func(c *gin.Context) {
			entries, err := rec.History(c.Request.Context(), c.Param("key"))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"entity_key": c.Param("key"), "entries": entries})
		})

		router.GET("/v1/gaps", func(c *gin.Context) {
			gaps, err := rec.Gaps(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"gaps": gaps})
		})
	}

	return router
}
