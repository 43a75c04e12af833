package main

import (
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewmew/cfa/bin"
	"github.com/pkg/errors"
)

// parseHints parses the given JSON file of function hint addresses, if
// present.
func parseHints(jsonPath string) (bin.Addrs, error) {
	if !osutil.Exists(jsonPath) {
		return nil, nil
	}
	dbg.Printf("parseHints(jsonPath = %q)", jsonPath)
	var addrs bin.Addrs
	if err := jsonutil.ParseFile(jsonPath, &addrs); err != nil {
		return nil, errors.WithStack(err)
	}
	return addrs, nil
}
