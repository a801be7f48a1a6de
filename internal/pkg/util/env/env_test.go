// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package env

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestMergeMap(t *testing.T) {
	a := map[string]string{"A": "1", "B": "2"}
	b := map[string]string{"B": "3", "C": "4"}
	got := MergeMap(a, b)
	assert.DeepEqual(t, got, map[string]string{"A": "1", "B": "3", "C": "4"})
}

func TestToListDeterministic(t *testing.T) {
	env := map[string]string{"ZED": "z", "ALPHA": "a", "MID": "m"}
	assert.DeepEqual(t, ToList(env), []string{"ALPHA=a", "MID=m", "ZED=z"})
}

func TestFromList(t *testing.T) {
	got := FromList([]string{"A=1", "B=x=y", "garbage", "C="})
	assert.DeepEqual(t, got, map[string]string{"A": "1", "B": "x=y", "C": ""})
}

func TestValidate(t *testing.T) {
	assert.NilError(t, Validate(map[string]string{"PATH": "", "_X": "", "a1": ""}))
	assert.Assert(t, Validate(map[string]string{"": "v"}) != nil)
	assert.Assert(t, Validate(map[string]string{"1BAD": "v"}) != nil)
	assert.Assert(t, Validate(map[string]string{"BAD-NAME": "v"}) != nil)
	assert.Assert(t, Validate(map[string]string{"BAD NAME": "v"}) != nil)
}
