/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package api

import "errors"

var (
	errNoSearchBackend = errors.New("no search index backend configured")
	errEmptyTimeParam  = errors.New("empty time parameter")
)
