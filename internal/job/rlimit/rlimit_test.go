package rlimit

import (
	"reflect"
	"testing"

	logx "mediadash/pkg/logx"
)

func TestEnvOmitsUnsetCeilings(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		asMB int
		cpu  int
		want []string
	}{
		{"both set", 512, 30, []string{"JOB_RLIMIT_AS_MB=512", "JOB_RLIMIT_CPU_SEC=30"}},
		{"address space only", 256, 0, []string{"JOB_RLIMIT_AS_MB=256"}},
		{"cpu only", 0, 10, []string{"JOB_RLIMIT_CPU_SEC=10"}},
		{"none", 0, 0, []string{}},
		{"negative treated as unset", -1, -5, []string{}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Env(tc.asMB, tc.cpu); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Env(%d, %d) = %v, want %v", tc.asMB, tc.cpu, got, tc.want)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	cases := []struct {
		name   string
		asRaw  string
		cpuRaw string
		wantAS int
		wantCP int
	}{
		{"unset", "", "", 0, 0},
		{"valid", "512", "30", 512, 30},
		{"whitespace trimmed", " 64 ", "\t5", 64, 5},
		{"malformed ignored", "lots", "5s", 0, 0},
		{"negative ignored", "-1", "-30", 0, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvAddressSpaceMB, tc.asRaw)
			t.Setenv(EnvCPUSeconds, tc.cpuRaw)
			asMB, cpuSec := FromEnv(logx.Nop())
			if asMB != tc.wantAS || cpuSec != tc.wantCP {
				t.Fatalf("FromEnv() = (%d, %d), want (%d, %d)", asMB, cpuSec, tc.wantAS, tc.wantCP)
			}
		})
	}
}
