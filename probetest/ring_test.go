package probetest_test

import (
	"testing"

	"github.com/probecore/probecore/probetest"
)

func TestRingWriter(t *testing.T) {
	r, err := probetest.NewRingWriter(10)
	probetest.ExpectSuccess(t, err)
	probetest.ExpectEquality(t, r.String(), "")

	r.Write([]byte("abcde"))
	probetest.ExpectEquality(t, r.String(), "abcde")

	r.Write([]byte("fgh"))
	probetest.ExpectEquality(t, r.String(), "abcdefgh")

	r.Write([]byte("ij"))
	probetest.ExpectEquality(t, r.String(), "abcdefghij")

	r.Write([]byte("kl"))
	probetest.ExpectEquality(t, r.String(), "cdefghijkl")

	r.Write([]byte("1234567890ABC"))
	probetest.ExpectEquality(t, r.String(), "4567890ABC")

	r.Reset()
	probetest.ExpectEquality(t, r.String(), "")
	r.Write([]byte("1234567890ABC"))
	probetest.ExpectEquality(t, r.String(), "4567890ABC")
}

func TestRingWriterRejectsNonPositiveCapacity(t *testing.T) {
	_, err := probetest.NewRingWriter(0)
	probetest.ExpectFailure(t, err)
}
