package logging

import (
	"flag"
	"testing"
)

func TestInit_Levels(t *testing.T) {
	if err := Init("debug"); err != nil {
		t.Fatalf("Init(debug): %v", err)
	}
	if got := flag.Lookup("v").Value.String(); got != "2" {
		t.Fatalf("expected -v=2, got %s", got)
	}
	if got := flag.Lookup("logtostderr").Value.String(); got != "true" {
		t.Fatalf("expected -logtostderr=true, got %s", got)
	}

	if err := Init("warn"); err != nil {
		t.Fatalf("Init(warn): %v", err)
	}
	if got := flag.Lookup("v").Value.String(); got != "0" {
		t.Fatalf("expected -v=0, got %s", got)
	}

	if err := Init("chatty"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
