package intent

import (
	"testing"

	"github.com/opshalo/opshalo/pkg/models"
)

func TestClassifyQueries(t *testing.T) {
	c := NewClassifier(nil)

	for _, message := range []string{
		"Show me the failed logins from today",
		"What is the current firewall policy?",
		"Muestra el estado del firewall",
		"Cuáles son las alertas de hoy?",
	} {
		if cls := c.Classify(message); cls.Intent != IntentQuery {
			t.Errorf("Classify(%q).Intent = %s, want query", message, cls.Intent)
		}
	}
}

func TestClassifyActions(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		message    string
		actionType string
		highRisk   bool
	}{
		{"Block IP 10.0.0.5 immediately", "block_ip", true},
		{"Bloquea la IP 192.168.1.10", "block_ip", true},
		{"Quarantine the device laptop-422", "quarantine_device", true},
		{"Isolate the network segment for device core-sw-1", "isolate_network", true},
		{"Delete user jdoe immediately", "delete_user", true},
		{"Disable the firewall on host fw-edge-1", "disable_firewall", true},
		{"Apaga el sistema del server db-01", "shutdown_system", true},
		{"Execute the nightly cleanup job", "general_action", false},
	}
	for _, tc := range cases {
		cls := c.Classify(tc.message)
		if cls.Intent != IntentAction {
			t.Errorf("Classify(%q).Intent = %s, want action", tc.message, cls.Intent)
			continue
		}
		if cls.ActionType != tc.actionType {
			t.Errorf("Classify(%q).ActionType = %s, want %s", tc.message, cls.ActionType, tc.actionType)
		}
		if cls.HighRisk != tc.highRisk {
			t.Errorf("Classify(%q).HighRisk = %v, want %v", tc.message, cls.HighRisk, tc.highRisk)
		}
	}
}

func TestTieResolvesToQuery(t *testing.T) {
	c := NewClassifier(nil)

	// "show" and "block" both match; ambiguous input must not escalate.
	cls := c.Classify("Show me the blocked IPs")
	if cls.Intent != IntentQuery {
		t.Fatalf("Intent = %s, want query", cls.Intent)
	}
	if cls.HighRisk {
		t.Fatal("a query must never be flagged high risk")
	}
}

func TestExtraHighRiskFromPolicy(t *testing.T) {
	message := "Change the firewall ruleset for the perimeter"

	if cls := NewClassifier(nil).Classify(message); cls.ActionType != "configuration_change" || cls.HighRisk {
		t.Fatalf("default table: ActionType = %s HighRisk = %v, want configuration_change/false", cls.ActionType, cls.HighRisk)
	}
	if cls := NewClassifier([]string{"configuration_change"}).Classify(message); !cls.HighRisk {
		t.Fatal("policy-extended table: configuration_change should be high risk")
	}
}

func TestMissingRequiredParam(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		message string
		missing string
	}{
		{"Block IP 10.0.0.5 now", ""},
		{"Block that IP right away", "ip"},
		{"Block IP 999.999.1.1 now", "ip"}, // not a valid address
		{"Quarantine the compromised endpoint", "device"},
		{"Delete the malicious user", "account"},
	}
	for _, tc := range cases {
		if cls := c.Classify(tc.message); cls.MissingParam != tc.missing {
			t.Errorf("Classify(%q).MissingParam = %q, want %q", tc.message, cls.MissingParam, tc.missing)
		}
	}
}

func TestExtractIPs(t *testing.T) {
	c := NewClassifier(nil)

	cls := c.Classify("Block IP 10.0.0.5 and 172.16.4.20")
	if got := cls.Params.IPs; len(got) != 2 || got[0] != "10.0.0.5" || got[1] != "172.16.4.20" {
		t.Fatalf("IPs = %v, want [10.0.0.5 172.16.4.20]", got)
	}

	// IPv6 literals are validated and canonicalized.
	cls = c.Classify("Block IP 2001:DB8:0:0:0:0:0:1 at the edge")
	if got := cls.Params.IPs; len(got) != 1 || got[0] != "2001:db8::1" {
		t.Fatalf("IPs = %v, want [2001:db8::1]", got)
	}
}

func TestExtractDeviceAndAccount(t *testing.T) {
	c := NewClassifier(nil)

	cls := c.Classify("Quarantine the device LAPTOP-422, it is beaconing")
	if cls.Params.Device != "laptop-422" {
		t.Fatalf("Device = %q, want laptop-422", cls.Params.Device)
	}

	cls = c.Classify("Delete user jdoe from the admin group")
	if cls.Params.Account != "jdoe" {
		t.Fatalf("Account = %q, want jdoe", cls.Params.Account)
	}

	// Sentence glue after the marker word is not a name.
	cls = c.Classify("Quarantine the device that keeps beaconing")
	if cls.Params.Device != "" {
		t.Fatalf("Device = %q, want empty", cls.Params.Device)
	}
}

func TestSeverityHints(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		message string
		want    models.Severity
	}{
		{"Block IP 10.0.0.5, this is critical", models.SeverityCritical},
		{"Bloquea la IP 10.0.0.5, es urgente", models.SeverityCritical},
		{"Block IP 10.0.0.5, priority high", models.SeverityHigh},
		{"Block IP 10.0.0.5 now", ""},
	}
	for _, tc := range cases {
		if cls := c.Classify(tc.message); cls.Params.SeverityHint != tc.want {
			t.Errorf("Classify(%q).SeverityHint = %q, want %q", tc.message, cls.Params.SeverityHint, tc.want)
		}
	}
}
