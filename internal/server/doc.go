// Package server exposes the HTTP ingest, health and monitoring endpoints.
package server
