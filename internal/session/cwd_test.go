package session

import "testing"

func TestResolve(t *testing.T) {
	t.Parallel()

	const root = "/workspace"
	cases := []struct {
		name    string
		cwd     string
		target  string
		want    string
		wantErr bool
	}{
		{"empty resets to root", "/workspace/app", "", "/workspace", false},
		{"tilde resets to root", "/workspace/app", "~", "/workspace", false},
		{"tilde slash", "/workspace/app", "~/src", "/workspace/src", false},
		{"child", "/workspace", "app", "/workspace/app", false},
		{"nested child", "/workspace", "app/src/lib", "/workspace/app/src/lib", false},
		{"dot is noop", "/workspace/app", ".", "/workspace/app", false},
		{"parent", "/workspace/app/src", "..", "/workspace/app", false},
		{"parent at root clamps", "/workspace", "..", "/workspace", false},
		{"many parents clamp", "/workspace/app", "../../../../..", "/workspace", false},
		{"clamp then descend", "/workspace/app", "../../other", "/workspace/other", false},
		{"absolute inside", "/workspace", "/workspace/app", "/workspace/app", false},
		{"absolute is root", "/workspace/app", "/workspace", "/workspace", false},
		{"absolute outside", "/workspace", "/etc", "", true},
		{"absolute prefix trick", "/workspace", "/workspace2/app", "", true},
		{"collapses separators", "/workspace", "app//src///", "/workspace/app/src", false},
		{"quote injection", "/workspace", `app" && id "`, "", true},
		{"newline injection", "/workspace", "app\nx", "", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Resolve(root, tc.cwd, tc.target)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q, %q) = %q, want error", tc.cwd, tc.target, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q, %q): %v", tc.cwd, tc.target, err)
			}
			if got != tc.want {
				t.Fatalf("Resolve(%q, %q) = %q, want %q", tc.cwd, tc.target, got, tc.want)
			}
		})
	}
}

func TestResolveNeverEscapesRoot(t *testing.T) {
	t.Parallel()

	const root = "/workspace"
	targets := []string{
		"..", "../..", "../../../etc", "a/../../..", "./../../",
		"/etc/passwd", "/", "/workspace/../etc",
	}
	for _, target := range targets {
		got, err := Resolve(root, root+"/app", target)
		if err != nil {
			continue
		}
		if got != root && got[:len(root)+1] != root+"/" {
			t.Errorf("Resolve(%q) escaped to %q", target, got)
		}
	}
}
