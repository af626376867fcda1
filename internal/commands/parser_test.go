package commands

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		text string
		name string
		args string
		ok   bool
	}{
		{"/status", "status", "", true},
		{"/Status", "status", "", true},
		{"  /compact  ", "compact", "", true},
		{"/压缩", "压缩", "", true},
		{"/tasks list all", "tasks", "list all", true},
		{"/任务　全部", "任务", "全部", true},
		{"hello /status", "", "", false},
		{"no command here", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := Detect(tt.text)
			if ok != tt.ok || name != tt.name || args != tt.args {
				t.Errorf("Detect(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.text, name, args, ok, tt.name, tt.args, tt.ok)
			}
		})
	}
}
