package bus

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{name: "valid", topic: "exp1/unit1/od90/reading"},
		{name: "dollar level", topic: "exp1/unit1/stirring/$state"},
		{name: "empty", topic: "", wantErr: true},
		{name: "single wildcard", topic: "exp1/+/od90/reading", wantErr: true},
		{name: "multi wildcard", topic: "exp1/#", wantErr: true},
		{name: "empty level", topic: "exp1//reading", wantErr: true},
		{name: "leading slash", topic: "/exp1/reading", wantErr: true},
		{name: "trailing slash", topic: "exp1/reading/", wantErr: true},
		{name: "nul byte", topic: "exp1/\x00/reading", wantErr: true},
		{name: "invalid utf8", topic: "exp1/\xff/reading", wantErr: true},
		{name: "too long", topic: strings.Repeat("a", maxTopicLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTopic) {
				t.Errorf("error = %v, want ErrInvalidTopic", err)
			}
		})
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "exact", pattern: "exp1/unit1/od90/reading"},
		{name: "single level", pattern: "exp1/+/od90/reading"},
		{name: "multi level", pattern: "exp1/#"},
		{name: "only multi", pattern: "#"},
		{name: "both", pattern: "exp1/+/#"},
		{name: "multi not last", pattern: "exp1/#/reading", wantErr: true},
		{name: "partial single", pattern: "exp1/unit+/reading", wantErr: true},
		{name: "partial multi", pattern: "exp1/unit#", wantErr: true},
		{name: "empty", pattern: "", wantErr: true},
		{name: "empty level", pattern: "exp1//+", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"exp1/unit1/od90/reading", "exp1/unit1/od90/reading", true},
		{"exp1/unit1/od90/reading", "exp1/unit2/od90/reading", false},
		{"exp1/+/od90/reading", "exp1/unit2/od90/reading", true},
		{"exp1/+/od90/reading", "exp1/unit2/od135/reading", false},
		{"exp1/+", "exp1/unit1/od90", false},
		{"exp1/#", "exp1/unit1/od90/reading", true},
		{"exp1/#", "exp1", true},
		{"exp1/unit1/#", "exp2/unit1/x", false},
		{"exp1/unit1/stirring/+/set", "exp1/unit1/stirring/target_rpm/set", true},
		{"exp1/unit1/stirring/+/set", "exp1/unit1/stirring/$state/set", true},
		{"exp1/unit1/stirring/+/set", "exp1/unit1/stirring/target_rpm", false},
		{"#", "$SYS/broker/uptime", false},
		{"+/broker/uptime", "$SYS/broker/uptime", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"exp1/+/+", "exp1/unit1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			if got := Match(tt.pattern, tt.topic); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestIsLevel(t *testing.T) {
	tests := map[string]bool{
		"stirring":  true,
		"unit-01":   true,
		"":          false,
		"a/b":       false,
		"+":         false,
		"od#":       false,
		"bad\x00id": false,
	}
	for in, want := range tests {
		if got := IsLevel(in); got != want {
			t.Errorf("IsLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTopics(t *testing.T) {
	tp := Topics{Experiment: "exp1", Unit: "unit1"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SensorReading", tp.SensorReading("od90"), "exp1/unit1/od90/reading"},
		{"JobOutput", tp.JobOutput("stirring"), "exp1/unit1/stirring/output"},
		{"JobState", tp.JobState("stirring"), "exp1/unit1/stirring/$state"},
		{"JobStateSet", tp.JobStateSet("stirring"), "exp1/unit1/stirring/$state/set"},
		{"Setting", tp.Setting("stirring", "target_rpm"), "exp1/unit1/stirring/target_rpm"},
		{"SettingSet", tp.SettingSet("stirring", "target_rpm"), "exp1/unit1/stirring/target_rpm/set"},
		{"SettingMeta", tp.SettingMeta("stirring", "target_rpm", "settable"), "exp1/unit1/stirring/target_rpm/$settable"},
		{"BroadcastSettingSet", tp.BroadcastSettingSet("stirring", "target_rpm"), "exp1/$broadcast/stirring/target_rpm/set"},
		{"Membership", tp.Membership(), "exp1/cluster/membership"},
		{"UnitHeartbeat", tp.UnitHeartbeat(), "exp1/cluster/heartbeat/unit1"},
		{"ForUnit", tp.ForUnit("unit2").JobOutput("dosing"), "exp1/unit2/dosing/output"},
		{"AllSettingSets", tp.AllSettingSets("stirring"), "exp1/unit1/stirring/+/set"},
		{"AllUnitHeartbeats", tp.AllUnitHeartbeats(), "exp1/cluster/heartbeat/+"},
		{"AllJobStates", tp.AllJobStates(), "exp1/unit1/+/$state"},
		{"AllJobHeartbeats", tp.AllJobHeartbeats(), "exp1/unit1/+/heartbeat"},
		{"AllExperiment", tp.AllExperiment(), "exp1/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestTopics_ParseSettingSet(t *testing.T) {
	tp := Topics{Experiment: "exp1", Unit: "unit1"}

	unit, job, setting, ok := tp.ParseSettingSet("exp1/$broadcast/stirring/target_rpm/set")
	if !ok || unit != BroadcastUnit || job != "stirring" || setting != "target_rpm" {
		t.Errorf("ParseSettingSet() = %q %q %q %v", unit, job, setting, ok)
	}

	for _, bad := range []string{
		"exp2/unit1/stirring/target_rpm/set",
		"exp1/unit1/stirring/target_rpm",
		"exp1/unit1/stirring/target_rpm/get",
	} {
		if _, _, _, ok := tp.ParseSettingSet(bad); ok {
			t.Errorf("ParseSettingSet(%q) ok = true, want false", bad)
		}
	}

	if u, ok := tp.ParseUnitHeartbeat("exp1/cluster/heartbeat/unit7"); !ok || u != "unit7" {
		t.Errorf("ParseUnitHeartbeat() = %q, %v", u, ok)
	}
	if _, ok := tp.ParseUnitHeartbeat("exp1/cluster/membership"); ok {
		t.Error("ParseUnitHeartbeat(membership) ok = true")
	}
}

func TestRegister_LastWriteWins(t *testing.T) {
	r := NewRegister()

	r.Set("exp1/unit1/stirring/target_rpm", []byte("400"), fixedTime)
	r.Set("exp1/unit1/stirring/target_rpm", []byte("500"), fixedTime)
	r.Set("exp1/unit2/stirring/target_rpm", []byte("300"), fixedTime)

	e, ok := r.Get("exp1/unit1/stirring/target_rpm")
	if !ok || string(e.Payload) != "500" {
		t.Fatalf("Get() = %q, %v; want 500", e.Payload, ok)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	matches := r.Match("exp1/+/stirring/target_rpm")
	if len(matches) != 2 {
		t.Fatalf("Match() len = %d, want 2", len(matches))
	}
	// Write order: unit2 was written after unit1's last overwrite.
	if matches[0].Topic != "exp1/unit1/stirring/target_rpm" || matches[1].Topic != "exp1/unit2/stirring/target_rpm" {
		t.Errorf("Match() order = %q, %q", matches[0].Topic, matches[1].Topic)
	}

	if _, present := r.Set("exp1/unit1/stirring/target_rpm", nil, fixedTime); present {
		t.Error("Set(empty) reported a value present")
	}
	if _, ok := r.Get("exp1/unit1/stirring/target_rpm"); ok {
		t.Error("value still present after clearing")
	}
}

func TestRegister_PayloadIsCopied(t *testing.T) {
	r := NewRegister()
	buf := []byte("0.5")
	r.Set("a/b", buf, fixedTime)
	buf[0] = '9'

	e, _ := r.Get("a/b")
	if string(e.Payload) != "0.5" {
		t.Errorf("stored payload aliased caller buffer: %q", e.Payload)
	}
}
