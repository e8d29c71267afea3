package models

import (
	"encoding/gob"
	"time"
)

// The store serializes with gob; concrete types carried inside opaque
// payload, result and metadata maps must be registered ahead of time.
func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register([]string{})
	gob.Register(map[string]string{})
	gob.Register(map[string]float64{})
	gob.Register(time.Time{})
}
