package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTable(t *testing.T) {
	var buf bytes.Buffer
	err := run([]string{"-lower", "100", "-upper", "130", "-count", "10", "-price", "121, 99.5"}, &buf)
	require.NoError(t, err)
	out := strings.Join(strings.Fields(buf.String()), " ")
	assert.Contains(t, out, "INDEX PRICE 0 100 1 103")
	assert.Contains(t, out, "10 130 step 3")
	assert.Contains(t, out, "price 121 -> 7")
	assert.Contains(t, out, "price 99.5 -> below range")
}

func TestRunJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, run([]string{"-lower", "1", "-upper", "2", "-count", "4", "-price", "1.6", "-json"}, &buf))

	var got struct {
		Levels  map[string]float64 `json:"levels"`
		Step    float64            `json:"step"`
		Located []struct {
			Index *int `json:"index"`
		} `json:"located"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, map[string]float64{"0": 1, "1": 1.25, "2": 1.5, "3": 1.75, "4": 2}, got.Levels)
	assert.Equal(t, 0.25, got.Step)
	require.Len(t, got.Located, 1)
	assert.Equal(t, 2, *got.Located[0].Index)
}

func TestRunRejects(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, run([]string{"-lower", "130", "-upper", "100"}, &buf))
	assert.Error(t, run([]string{"-lower", "1", "-upper", "2", "-count", "2.5"}, &buf))
	assert.Error(t, run([]string{"-lower", "1", "-upper", "2", "-price", "abc"}, &buf))
}
