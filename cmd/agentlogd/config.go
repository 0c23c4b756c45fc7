/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"github.com/gravwell/agentlog/ingest/config"
)

// cfgType is the server's top level config file struct, following the
// Global-plus-sections pattern documented on config.GlobalConfig.
type cfgType struct {
	Global config.GlobalConfig
}

// Verify satisfies the validator interface the -validate flag checks for.
func (c *cfgType) Verify() error {
	return c.Global.Verify()
}

// GlobalConfigSection satisfies the server-config marker ValidateServerConfig
// asserts against.
func (c *cfgType) GlobalConfigSection() config.GlobalConfig {
	return c.Global
}

// GetConfig loads and verifies the on-disk config file at p.
func GetConfig(p string) (*cfgType, error) {
	var cr cfgType
	if err := config.LoadConfigFile(&cr, p); err != nil {
		return nil, err
	}
	if err := cr.Verify(); err != nil {
		return nil, err
	}
	return &cr, nil
}
