package execmode

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		want       Mode
		wantMarker string
	}{
		{"plain print", "print('hello')", Captured, ""},
		{"math", "import math\nprint(math.sqrt(2))", Captured, ""},
		{"pygame", "import pygame\npygame.init()", Interactive, "pygame"},
		{"input", "name = input('Name: ')", Interactive, "input("},
		{"turtle", "import turtle", Interactive, "turtle"},
		{"tkinter", "import tkinter as tk", Interactive, "tkinter"},
		{"curses", "import curses", Interactive, "curses"},
		{"getpass", "from getpass import getpass", Interactive, "getpass"},
		{"opencv", "cv2.imshow('frame', img)", Interactive, "cv2.imshow"},
		{"pyplot", "import matplotlib.pyplot as plt\nplt.show()", Interactive, "plt.show"},
		{"matplotlib", "import matplotlib", Interactive, "matplotlib"},
		{"marker in comment", "# call input( later\nx = 1", Interactive, "input("},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, marker := ClassifyWithReason(tt.code)
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if marker != tt.wantMarker {
				t.Errorf("expected marker %q, got %q", tt.wantMarker, marker)
			}
			if Classify(tt.code) != got {
				t.Error("Classify disagrees with ClassifyWithReason")
			}
		})
	}
}

func TestClassify_AnyInputCallIsInteractive(t *testing.T) {
	programs := []string{
		"input(",
		"x = int(input())",
		"def ask():\n    return input('? ')\n",
		"while True:\n    line = input()\n    print(line)",
	}
	for _, p := range programs {
		if Classify(p) != Interactive {
			t.Errorf("expected Interactive for %q", p)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	code := "import random\nprint(random.random())"
	first := Classify(code)
	for i := 0; i < 100; i++ {
		if Classify(code) != first {
			t.Fatal("Classify is not deterministic")
		}
	}
}

func TestModeString(t *testing.T) {
	if Captured.String() != "captured" || Interactive.String() != "interactive" {
		t.Error("unexpected mode names")
	}
	if ParseMode("Interactive") != Interactive || ParseMode("bogus") != Captured {
		t.Error("ParseMode mismatch")
	}
}

func TestMarkersIsCopy(t *testing.T) {
	m := Markers()
	m[0] = "changed"
	if Markers()[0] != "pygame" {
		t.Error("Markers leaked internal slice")
	}
}
