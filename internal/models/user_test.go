package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRole(t *testing.T) {
	cases := map[string]Role{
		"admin":     RoleAdmin,
		"ADMIN":     RoleAdmin,
		"Doctor":    RoleDoctor,
		" doctor ":  RoleDoctor,
		"patient":   RolePatient,
		"nurse":     RolePatient,
		"":          RolePatient,
		"superuser": RolePatient,
	}

	for raw, want := range cases {
		assert.Equal(t, want, NormalizeRole(raw), "raw %q", raw)
	}
}
