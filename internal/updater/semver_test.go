package updater

import "testing"

func TestParseSemVer(t *testing.T) {
	tests := []struct {
		input   string
		want    SemVer
		wantErr bool
	}{
		{"0.1.0", SemVer{Minor: 1}, false},
		{"v0.1.0", SemVer{Minor: 1}, false},
		{"  v1.2.3  ", SemVer{Major: 1, Minor: 2, Patch: 3}, false},
		{"v10.20.30", SemVer{Major: 10, Minor: 20, Patch: 30}, false},
		{"1.0.0-beta.1", SemVer{Major: 1, Prerelease: "beta.1"}, false},
		{"1.0.0-RC.2+build.5", SemVer{Major: 1, Prerelease: "RC.2", Build: "build.5"}, false},
		{"1.0.0+20240101", SemVer{Major: 1, Build: "20240101"}, false},
		{"", SemVer{}, true},
		{"1.0", SemVer{}, true},
		{"v1.2", SemVer{}, true},
		{"1", SemVer{}, true},
		{"abc", SemVer{}, true},
		{"1.2.x", SemVer{}, true},
		{"1.2.3.4", SemVer{}, true},
		{"1.0.0-", SemVer{}, true},
		{"1.0.0-beta..1", SemVer{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSemVer(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSemVer(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSemVer(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidVersion(t *testing.T) {
	if !IsValidVersion("v2.0.0-alpha") {
		t.Error("IsValidVersion(v2.0.0-alpha) = false, want true")
	}
	if IsValidVersion("1.0") {
		t.Error("IsValidVersion(1.0) = true, want false")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"major newer", "2.0.0", "1.9.9", 1},
		{"minor older", "1.1.0", "1.2.0", -1},
		{"patch newer", "1.1.2", "1.1.1", 1},
		{"equal", "1.2.3", "v1.2.3", 0},
		{"release beats prerelease", "1.0.0", "1.0.0-rc.1", 1},
		{"alpha before beta", "1.0.0-alpha", "1.0.0-beta", -1},
		{"numeric identifiers", "1.0.0-beta.2", "1.0.0-beta.11", -1},
		{"numeric before alphanumeric", "1.0.0-alpha.1", "1.0.0-alpha.beta", -1},
		{"shorter prerelease first", "1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"build ignored", "1.0.0+build.1", "1.0.0+build.2", 0},
		{"build ignored on prerelease", "1.0.0-rc.1+a", "1.0.0-rc.1+b", 0},
		{"invalid falls back to string order", "abc", "abd", -1},
		{"invalid equal strings", "nightly", "nightly", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareVersions(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := CompareVersions(tt.b, tt.a); got != -tt.want {
				t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
			}
		})
	}
}

func TestSemverPrecedenceChain(t *testing.T) {
	chain := []string{
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-alpha.beta",
		"1.0.0-beta",
		"1.0.0-beta.2",
		"1.0.0-beta.11",
		"1.0.0-rc.1",
		"1.0.0",
	}
	for i := 0; i < len(chain)-1; i++ {
		if !IsNewerVersion(chain[i+1], chain[i]) {
			t.Errorf("expected %s > %s", chain[i+1], chain[i])
		}
		if IsNewerVersion(chain[i], chain[i+1]) {
			t.Errorf("expected %s not newer than %s", chain[i], chain[i+1])
		}
	}
}

func TestSemVerIsNewer(t *testing.T) {
	tests := []struct {
		name  string
		v     SemVer
		other SemVer
		want  bool
	}{
		{"major newer", SemVer{Major: 2}, SemVer{Major: 1}, true},
		{"minor older", SemVer{Major: 1, Minor: 1}, SemVer{Major: 1, Minor: 2}, false},
		{"equal", SemVer{Major: 1, Minor: 1, Patch: 1}, SemVer{Major: 1, Minor: 1, Patch: 1}, false},
		{"zero to one", SemVer{Minor: 1}, SemVer{Patch: 1}, true},
		{"leading zero prerelease is text", SemVer{Major: 1, Prerelease: "01"}, SemVer{Major: 1, Prerelease: "2"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.IsNewer(tt.other); got != tt.want {
				t.Errorf("%v.IsNewer(%v) = %v, want %v", tt.v, tt.other, got, tt.want)
			}
		})
	}
}

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		input string
		opts  FormatOptions
		want  string
	}{
		{"v1.2.3", FormatOptions{}, "1.2.3"},
		{"1.2.3", FormatOptions{IncludePrefix: true}, "v1.2.3"},
		{"1.2.3-rc.1+sha.abc", FormatOptions{}, "1.2.3-rc.1"},
		{"1.2.3-rc.1+sha.abc", FormatOptions{IncludeBuild: true}, "1.2.3-rc.1+sha.abc"},
		{"not-a-version", FormatOptions{IncludePrefix: true}, "not-a-version"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := FormatVersion(tt.input, tt.opts); got != tt.want {
				t.Errorf("FormatVersion(%q, %+v) = %q, want %q", tt.input, tt.opts, got, tt.want)
			}
		})
	}
}
