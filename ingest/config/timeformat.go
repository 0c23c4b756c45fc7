/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"github.com/gravwell/agentlog/timegrinder"
)

// CustomTimeFormat is a gcfg multi-value section, one entry per
// [Timestamp-Format "name"] block in a tailer config, carrying the pieces
// timegrinder needs to build a CustomFormat processor.
type CustomTimeFormat []CustomTimeFormatConfig

// CustomTimeFormatConfig holds a single named custom timestamp extraction
// rule, configured the same way timegrinder.CustomFormat is built.
type CustomTimeFormatConfig struct {
	Name             string
	Regex            string
	Format           string
	Extraction_Regex string
}

// LoadFormats registers every custom format with the given timegrinder
// instance, in declaration order.
func (ctf CustomTimeFormat) LoadFormats(tg *timegrinder.TimeGrinder) error {
	for _, c := range ctf {
		cf := timegrinder.CustomFormat{
			Name:             c.Name,
			Regex:            c.Regex,
			Format:           c.Format,
			Extraction_Regex: c.Extraction_Regex,
		}
		if err := cf.Validate(); err != nil {
			return err
		}
		proc, err := timegrinder.NewCustomProcessor(cf)
		if err != nil {
			return err
		}
		if _, err := tg.AddProcessor(proc); err != nil {
			return err
		}
	}
	return nil
}
