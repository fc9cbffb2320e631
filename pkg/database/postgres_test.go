package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

func TestDSNPrefersURL(t *testing.T) {
	cfg := config.DatabaseConfig{URL: "postgres://u:p@db:5432/pipeline?sslmode=disable", Host: "ignored"}
	assert.Equal(t, cfg.URL, DSN(cfg))
}

func TestDSNFromParts(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "pw", Name: "class_pipeline", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=postgres password=pw dbname=class_pipeline sslmode=disable", DSN(cfg))
}
