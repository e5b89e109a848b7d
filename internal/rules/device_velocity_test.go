// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package rules

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/models"
)

func velocityRule(p models.DeviceVelocityParams) models.Rule {
	return rule(models.RuleTypeDeviceVelocity, p)
}

func recentWithIPs(ips ...string) []models.Session {
	sessions := make([]models.Session, 0, len(ips))
	for i, ip := range ips {
		s := closedSession("dv-"+ip, testNow.Add(-time.Duration(i+1)*time.Hour))
		s.IPAddress = ip
		s.DeviceID = "device-" + ip
		sessions = append(sessions, s)
	}
	return sessions
}

func TestDeviceVelocity_FourIPsOverLimitOfThree(t *testing.T) {
	candidate := candidateSession()
	candidate.IPAddress = "203.0.113.10"

	w := Window{Recent: recentWithIPs("203.0.113.11", "203.0.113.12", "203.0.113.13")}
	r := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24})

	got := Evaluate(candidate, w, []models.Rule{r}, testNow)
	if len(got) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(got))
	}

	var ev DeviceVelocityEvidence
	if err := json.Unmarshal(got[0].Evidence, &ev); err != nil {
		t.Fatalf("unmarshal evidence: %v", err)
	}
	if ev.UniqueIPCount != 4 {
		t.Errorf("UniqueIPCount = %d, want 4", ev.UniqueIPCount)
	}
}

func TestDeviceVelocity_AtLimitDoesNotFire(t *testing.T) {
	candidate := candidateSession()
	candidate.IPAddress = "203.0.113.10"

	w := Window{Recent: recentWithIPs("203.0.113.11", "203.0.113.12")}
	r := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24})

	if got := Evaluate(candidate, w, []models.Rule{r}, testNow); len(got) != 0 {
		t.Error("fired at exactly the limit")
	}
}

func TestDeviceVelocity_OutOfWindowIgnored(t *testing.T) {
	candidate := candidateSession()

	old := closedSession("old", testNow.Add(-48*time.Hour))
	old.StartedAt = testNow.Add(-49 * time.Hour)
	old.IPAddress = "203.0.113.99"

	w := Window{Recent: append(recentWithIPs("203.0.113.11", "203.0.113.12"), old)}
	r := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24})

	if got := Evaluate(candidate, w, []models.Rule{r}, testNow); len(got) != 0 {
		t.Error("counted a source outside the rolling window")
	}
}

func TestDeviceVelocity_GroupByDeviceCollapsesIPChurn(t *testing.T) {
	candidate := candidateSession()
	candidate.DeviceID = "device-a"
	candidate.IPAddress = "203.0.113.10"

	// One device hopping across four IPs.
	churn := recentWithIPs("203.0.113.11", "203.0.113.12", "203.0.113.13")
	for i := range churn {
		churn[i].DeviceID = "device-a"
	}

	w := Window{Recent: churn}
	r := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24, GroupByDevice: true})

	if got := Evaluate(candidate, w, []models.Rule{r}, testNow); len(got) != 0 {
		t.Error("IP churn on one device inflated the count despite group_by_device")
	}
}

func TestDeviceVelocity_GroupByDeviceFallsBackToIP(t *testing.T) {
	candidate := candidateSession()
	candidate.DeviceID = ""
	candidate.IPAddress = "203.0.113.10"

	churn := recentWithIPs("203.0.113.11", "203.0.113.12", "203.0.113.13")
	for i := range churn {
		churn[i].DeviceID = ""
	}

	w := Window{Recent: churn}
	r := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24, GroupByDevice: true})

	got := Evaluate(candidate, w, []models.Rule{r}, testNow)
	if len(got) != 1 {
		t.Fatal("expected IP fallback to count distinct IPs when device ids are absent")
	}
}

func TestDeviceVelocity_ExcludePrivateIPs(t *testing.T) {
	candidate := candidateSession()
	candidate.IPAddress = "203.0.113.10"

	private := recentWithIPs("192.168.1.5", "10.0.0.7", "::ffff:172.16.0.3", "fe80::1")
	public := recentWithIPs("203.0.113.11", "203.0.113.12")

	w := Window{Recent: append(private, public...)}
	r := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24, ExcludePrivateIPs: true})

	// 3 public sources total: under the limit once private ones drop out.
	if got := Evaluate(candidate, w, []models.Rule{r}, testNow); len(got) != 0 {
		t.Error("private addresses were counted despite exclude_private_ips")
	}

	// Without exclusion the same window fires.
	r2 := velocityRule(models.DeviceVelocityParams{MaxIPs: 3, WindowHours: 24})
	if got := Evaluate(candidate, w, []models.Rule{r2}, testNow); len(got) != 1 {
		t.Error("expected a verdict when private addresses count")
	}
}
