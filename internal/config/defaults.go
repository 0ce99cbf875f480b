package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// DefaultConfigYAML is written by `dripflow config init`.
const DefaultConfigYAML = `# dripflow configuration
#
# Every key can also be set through the environment, e.g. DRIPFLOW_DATABASE_DSN.

log:
  level: info
  # auto picks a colour console format on a terminal and JSON otherwise.
  format: auto

database:
  # sqlite, mysql or postgres
  driver: sqlite
  dsn: dripflow.db

broker:
  # sql keeps jobs in the database above; redis uses the redis section.
  backend: sql
  queue: workflow
  job_key_prefix: workflow
  attempts: 5
  backoff: 1s
  backoff_multiplier: 2
  backoff_max: 1h
  poll_interval: 1s
  job_timeout: 30s
  lock_timeout: 2m
  concurrency: 1
  keep_completed: 0
  keep_failed: 1000

redis:
  addr: localhost:6379
  db: 0
  prefix: dripflow

server:
  host: localhost
  port: 8080
  enable_cors: false

gateway:
  # log writes messages to the log; webhook POSTs them to url.
  kind: log
  timeout: 10s
`

// WriteDefault writes DefaultConfigYAML to path atomically. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(DefaultConfigYAML), 0o600)
}
