package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"mkhub/internal/schedule"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	text := "`#4255` **1p 4v4:** <t:1770386400:F>\n`#4256` **1p 2v2:** <t:1770390000:F>\n"
	out, err := execute(t, text, "parse", "--env-file", "", "-")
	if err != nil {
		t.Fatalf("parse: %v\n%s", err, out)
	}
	var entries []schedule.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(entries) != 2 || entries[0].ID != "4255" || entries[1].Format != schedule.Format2v2 {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := execute(t, "@everyone "+text, "parse"); err == nil {
		t.Fatal("mass mention not rejected")
	}
}

func TestVapidCommand(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "", "vapid")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "VAPID_PUBLIC_KEY=") || !strings.Contains(out, "VAPID_PRIVATE_KEY=") {
		t.Fatalf("output = %q", out)
	}
}
