package schema

import "strings"

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// ValidateScope ensures a surface scope is safe to use as a state directory
// name. Allowed characters: a-z, A-Z, 0-9, '.', '_', '-', '@', ':'.
func ValidateScope(scope string) error {
	if scope == "" {
		return ErrInvalidScope
	}
	if strings.TrimSpace(scope) != scope {
		return ErrInvalidScope
	}
	for _, r := range scope {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= 'A' && r <= 'Z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' || r == '@' || r == ':' {
			continue
		}
		return ErrInvalidScope
	}
	if scope == "." || scope == ".." {
		return ErrInvalidScope
	}
	return nil
}

// ClampGeometry pulls a geometry into the supported range. Zero or negative
// dimensions become the defaults.
func ClampGeometry(g Geometry) Geometry {
	if g.Cols <= 0 {
		g.Cols = DefaultCols
	}
	if g.Rows <= 0 {
		g.Rows = DefaultRows
	}
	if g.Cols < MinCols {
		g.Cols = MinCols
	}
	if g.Cols > MaxCols {
		g.Cols = MaxCols
	}
	if g.Rows < MinRows {
		g.Rows = MinRows
	}
	if g.Rows > MaxRows {
		g.Rows = MaxRows
	}
	return g
}
