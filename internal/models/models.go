package models

// All lists every persisted model in migration order.
func All() []any {
	return []any{
		&Organization{},
		&User{},
		&IdentityLink{},
		&Subject{},
		&Device{},
		&Control{},
		&ControlStatus{},
		&CheckResult{},
		&Evidence{},
		&Risk{},
		&TrackedItem{},
		&ScanRun{},
		&AuditLog{},
	}
}
