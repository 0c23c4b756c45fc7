/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tailer

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/crewjam/rfc5424"
	"github.com/gobwas/glob"
	"github.com/gravwell/agentlog/ingest/config"
	"github.com/gravwell/agentlog/ingest/log"
	"github.com/gravwell/agentlog/record"
	"github.com/gravwell/agentlog/timegrinder"
)

type debugOut func(string, ...interface{})

type logger interface {
	Criticalf(string, ...interface{}) error
	Errorf(string, ...interface{}) error
	Warnf(string, ...interface{}) error
	Infof(string, ...interface{}) error
	Debugf(string, ...interface{}) error

	Critical(string, ...rfc5424.SDParam) error
	Error(string, ...rfc5424.SDParam) error
	Warn(string, ...rfc5424.SDParam) error
	Info(string, ...rfc5424.SDParam) error
	Debug(string, ...rfc5424.SDParam) error
}

// LogHandler turns raw tailed lines into record.Record values and hands
// them to a recordSink (normally the per-source ingress queue owned by the
// bus package). It owns the per-target timegrinder instance used when the
// parser itself did not recover a timestamp from the line.
type LogHandler struct {
	LogHandlerConfig
	tg  *timegrinder.TimeGrinder
	w   recordSink
	li  *lineIgnorer
	lag *lagCoalescer
}

// parser is satisfied by the parse package's per-agent-kind entry point. It
// is declared here, rather than imported directly, so the tailer package
// never has to know about agent-kind dispatch.
type parser interface {
	Parse(line []byte, fallback time.Time) record.Record
}

// recordSink accepts one parsed record at a time on behalf of the ingress
// bus; ProcessContext must not block past ctx's cancellation.
type recordSink interface {
	ProcessContext(rec record.Record, ctx context.Context) error
}

type LogHandlerConfig struct {
	TagName                 string
	SourceID                string
	AgentKind               record.AgentKind
	SessionID               string
	IgnoreTS                bool
	AssumeLocalTZ           bool
	IgnorePrefixes          []string
	IgnoreGlobs             []string
	TimestampFormatOverride string
	TimezoneOverride        string
	UserTimeRegex           string
	UserTimeFormat          string
	Logger                  logger
	Debugger                debugOut
	Ctx                     context.Context
	TimeFormat              config.CustomTimeFormat
	Parser                  parser
}

type lineIgnorer struct {
	prefixes [][]byte
	globs    []glob.Glob
}

func NewIgnorer(prefixes, globs []string) (*lineIgnorer, error) {
	li := &lineIgnorer{}
	for _, v := range prefixes {
		li.prefixes = append(li.prefixes, []byte(v))
	}
	for _, v := range globs {
		c, err := glob.Compile(v)
		if err != nil {
			return nil, err
		}
		li.globs = append(li.globs, c)
	}
	return li, nil
}

// Ignore returns true if the given byte slice matches any of the prefixes or
// globs in the ignorer.
func (l *lineIgnorer) Ignore(b []byte) bool {
	for _, prefix := range l.prefixes {
		if bytes.HasPrefix(b, prefix) {
			return true
		}
	}

	bString := string(b)
	for _, glob := range l.globs {
		if glob.Match(bString) {
			return true
		}
	}

	return false
}

func NewLogHandler(cfg LogHandlerConfig, w recordSink) (*LogHandler, error) {
	var tg *timegrinder.TimeGrinder
	var err error
	if w == nil {
		return nil, errors.New("output sink is nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("Logger is nil")
	}
	if cfg.Parser == nil {
		return nil, errors.New("Parser is nil")
	}
	if !cfg.IgnoreTS {
		tcfg := timegrinder.Config{
			EnableLeftMostSeed: true,
		}
		if tg, err = timegrinder.NewTimeGrinder(tcfg); err != nil {
			return nil, err
		} else if err = cfg.TimeFormat.LoadFormats(tg); err != nil {
			return nil, err
		}
		if cfg.TimestampFormatOverride != `` {
			if err = tg.SetFormatOverride(cfg.TimestampFormatOverride); err != nil {
				return nil, err
			}
		}
		if cfg.Debugger != nil {
			cfg.Debugger("Loaded %d custom time formats\n", len(cfg.TimeFormat))
		}
		if cfg.AssumeLocalTZ && cfg.TimezoneOverride != `` {
			return nil, errors.New("Cannot specify AssumeLocalTZ and TimezoneOverride in the same LogHandlerConfig")
		}
		if cfg.AssumeLocalTZ {
			tg.SetLocalTime()
		}
		if cfg.TimezoneOverride != `` {
			err = tg.SetTimezone(cfg.TimezoneOverride)
			if err != nil {
				return nil, err
			}
		}
		if cfg.UserTimeRegex != `` {
			proc, err := timegrinder.NewUserProcessor("user", cfg.UserTimeRegex, cfg.UserTimeFormat)
			if err != nil {
				return nil, err
			}
			if _, err := tg.AddProcessor(proc); err != nil {
				return nil, err
			}
		}
	}
	if !cfg.IgnoreTS && tg == nil {
		return nil, errors.New("no timegrinder but not ignoring timestamps")
	}

	li, err := NewIgnorer(cfg.IgnorePrefixes, cfg.IgnoreGlobs)
	if err != nil {
		return nil, err
	}

	return &LogHandler{
		LogHandlerConfig: cfg,
		w:                w,
		tg:               tg,
		li:               li,
		lag:              newLagCoalescer(),
	}, nil
}

func (lh *LogHandler) Tag() string {
	return lh.LogHandlerConfig.TagName
}

// HandleLog is called once per emitted line by a follower (see
// followers.go's handler interface); filePath is the file the line came
// from, used only for debug output. rotated is true exactly once per
// rotation event, on the first line the follower emits afterward, and is
// carried straight onto the resulting Record (§4.3, §8 scenario S1).
func (lh *LogHandler) HandleLog(b []byte, catchts time.Time, filePath string, rotated bool) error {
	if len(b) == 0 {
		return nil
	}
	if lh.li.Ignore(b) {
		return nil
	}

	fallback := catchts
	if !lh.IgnoreTS {
		if ts, ok, err := lh.tg.Extract(b); err != nil {
			lh.Logger.Error("catastrophic timegrinder failure", log.KVErr(err))
			return err
		} else if ok {
			fallback = ts
		}
	}
	if lh.Debugger != nil {
		lh.Debugger("GOT %s %s %s\n", fallback.Format(time.RFC3339), filePath, string(b))
	}

	rec := lh.Parser.Parse(b, fallback)
	rec.SourceID = lh.SourceID
	rec.ID = lh.SourceID + ":" + rec.ID
	rec.AgentKind = lh.AgentKind
	rec.Rotated = rotated
	if rec.SessionID == `` {
		rec.SessionID = lh.SessionID
	}
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}

	var gap time.Duration
	if !lh.IgnoreTS {
		if gap = catchts.Sub(fallback); gap < 0 {
			gap = 0
		}
	}
	for _, out := range lh.observeLag(filePath, gap, rec) {
		if err := lh.w.ProcessContext(out, lh.LogHandlerConfig.Ctx); err != nil {
			return err
		}
	}
	return nil
}
