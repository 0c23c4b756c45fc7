/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config provides a common base for agentlog server config files.
// The server extends GlobalConfig with its own sections. A typical top level
// config struct looks like:
//
//	type cfgType struct {
//		Global config.GlobalConfig
//		Agent  map[string]*agentSection
//	}
//
//	func GetConfig(path string) (*cfgType, error) {
//		var cr cfgType
//		if err := config.LoadConfigFile(&cr, path); err != nil {
//			return nil, err
//		}
//		if err := cr.Global.Verify(); err != nil {
//			return nil, err
//		}
//		return &cr, nil
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/google/uuid"
)

const (
	defaultLogLevel = `ERROR`

	DefaultListenHost = `0.0.0.0`
	DefaultListenPort = 3005

	DefaultSnapshotInterval = 5 * time.Second
	DefaultBatchMax         = 256
	DefaultBatchWindow      = 500 * time.Millisecond
	DefaultSinkWriteTimeout = 10 * time.Second
	DefaultShutdownDrain    = 30 * time.Second
)

const (
	envLogLevel   string = `AGENTLOG_LOG_LEVEL`
	envListenHost string = `AGENTLOG_LISTEN_HOST`
	envListenPort string = `AGENTLOG_LISTEN_PORT`
	envDataDir    string = `AGENTLOG_DATA_DIR`
)

var (
	ErrInvalidLogLevel          = errors.New("Invalid Log Level")
	ErrInvalidListenPort        = errors.New("Invalid listen port")
	ErrInvalidConnectionTimeout = errors.New("Invalid connection timeout")
)

// GlobalConfig holds the ambient settings shared by every agentlog server
// instance: where it listens, where it persists state, how verbosely it
// logs, and the fan-out timing knobs named in spec §5.
type GlobalConfig struct {
	Listen_Host         string `json:",omitempty"`
	Listen_Port         uint16 `json:",omitempty"`
	Data_Dir            string `json:",omitempty"`
	Log_Level           string `json:",omitempty"`
	Log_File            string `json:",omitempty"`
	Node_UUID           string `json:",omitempty"`
	Snapshot_Interval   string `json:",omitempty"`
	Batch_Max           int    `json:",omitempty"`
	Batch_Window        string `json:",omitempty"`
	Sink_Write_Timeout  string `json:",omitempty"`
	Shutdown_Drain      string `json:",omitempty"`
	Columnar_Endpoint   string `json:",omitempty"`
	Search_Endpoint     string `json:",omitempty"`
	PubSub_Brokers      []string
	Syslog_Drop_Metrics bool `json:",omitempty"`
}

func (gc *GlobalConfig) loadDefaults() error {
	if err := LoadEnvVar(&gc.Log_Level, envLogLevel, defaultLogLevel); err != nil {
		return err
	}
	if err := LoadEnvVar(&gc.Listen_Host, envListenHost, DefaultListenHost); err != nil {
		return err
	}
	if gc.Listen_Port == 0 {
		var p int64
		if err := LoadEnvVar(&p, envListenPort, int64(DefaultListenPort)); err != nil {
			return err
		}
		gc.Listen_Port = uint16(p)
	}
	if err := LoadEnvVar(&gc.Data_Dir, envDataDir, `/opt/agentlog/data`); err != nil {
		return err
	}
	if gc.Batch_Max == 0 {
		gc.Batch_Max = DefaultBatchMax
	}
	return nil
}

// Verify checks GlobalConfig for sanity and fills in defaults, matching the
// two-phase loadDefaults/Verify pattern used throughout this package.
func (gc *GlobalConfig) Verify() error {
	if err := gc.loadDefaults(); err != nil {
		return err
	}
	if gc.Node_UUID != `` {
		if _, err := uuid.Parse(gc.Node_UUID); err != nil {
			return fmt.Errorf("malformed node UUID %v: %w", gc.Node_UUID, err)
		}
	}
	gc.Log_Level = strings.ToUpper(strings.TrimSpace(gc.Log_Level))
	if err := gc.checkLogLevel(); err != nil {
		return err
	}
	if gc.Listen_Port == 0 {
		return ErrInvalidListenPort
	}
	if gc.Data_Dir == `` {
		return errors.New("Data-Dir must be set")
	}
	if err := os.MkdirAll(gc.Data_Dir, 0700); err != nil {
		return err
	}
	if gc.Log_File != `` {
		logdir := filepath.Dir(gc.Log_File)
		if fi, err := os.Stat(logdir); err != nil {
			if os.IsNotExist(err) {
				if err = os.MkdirAll(logdir, 0700); err != nil {
					return err
				}
			} else {
				return err
			}
		} else if !fi.IsDir() {
			return errors.New("Log-File directory is not a directory")
		}
	}
	if _, err := gc.SnapshotInterval(); err != nil {
		return err
	}
	if _, err := gc.BatchWindow(); err != nil {
		return err
	}
	if _, err := gc.SinkWriteTimeout(); err != nil {
		return err
	}
	if _, err := gc.ShutdownDrain(); err != nil {
		return err
	}
	return nil
}

func (gc *GlobalConfig) checkLogLevel() error {
	if len(gc.Log_Level) == 0 {
		gc.Log_Level = defaultLogLevel
		return nil
	}
	switch gc.Log_Level {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`, `CRITICAL`, `FATAL`:
		return nil
	}
	return ErrInvalidLogLevel
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == `` {
		return def, nil
	}
	return time.ParseDuration(s)
}

// SnapshotInterval returns the analytics snapshot publication period (§4.7).
func (gc *GlobalConfig) SnapshotInterval() (time.Duration, error) {
	return parseDurationDefault(gc.Snapshot_Interval, DefaultSnapshotInterval)
}

// BatchWindow returns the sink fan-out batch window (§4.6).
func (gc *GlobalConfig) BatchWindow() (time.Duration, error) {
	return parseDurationDefault(gc.Batch_Window, DefaultBatchWindow)
}

// SinkWriteTimeout returns the per-sink write deadline (§5).
func (gc *GlobalConfig) SinkWriteTimeout() (time.Duration, error) {
	return parseDurationDefault(gc.Sink_Write_Timeout, DefaultSinkWriteTimeout)
}

// ShutdownDrain returns the shutdown drain deadline (§5).
func (gc *GlobalConfig) ShutdownDrain() (time.Duration, error) {
	return parseDurationDefault(gc.Shutdown_Drain, DefaultShutdownDrain)
}

// NodeUUID returns the configured node UUID, generating and persisting one
// into the config file at loc if none is set yet.
func (gc *GlobalConfig) NodeUUID(loc string) (id uuid.UUID, err error) {
	if gc.Node_UUID != `` {
		return uuid.Parse(gc.Node_UUID)
	}
	id = uuid.New()
	gc.Node_UUID = id.String()
	if loc != `` {
		err = gc.rewriteUUID(loc, id)
	}
	return
}

// rewriteUUID appends a generated Node-UUID line to the config file at loc.
// It takes an exclusive flock on loc+".lock" around the read-modify-write so
// two processes racing to first-use-generate a UUID for the same config file
// can't both append a (different) Node-UUID line; renameio still provides
// the atomic replace of the file itself once the new content is assembled.
func (gc *GlobalConfig) rewriteUUID(loc string, id uuid.UUID) error {
	lock := flock.New(loc + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock config file for Node-UUID write: %w", err)
	}
	defer lock.Unlock()

	bts, err := os.ReadFile(loc)
	if err != nil {
		return err
	}
	content := string(bts) + fmt.Sprintf("\nNode-UUID=%s\n", id.String())
	return renameio.WriteFile(loc, []byte(content), 0640)
}
