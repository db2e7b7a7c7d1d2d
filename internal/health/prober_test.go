package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnreachableClassification(t *testing.T) {
	wrap := func(err error) error {
		return &url.Error{Op: "Get", URL: "http://dev:8000/health", Err: err}
	}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"refused", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}), true},
		{"host unreachable", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}), true},
		{"network unreachable", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}), true},
		{"reset while reading", wrap(&net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}), true},
		{"unknown host", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "dev", IsNotFound: true}}), true},
		{"bare dns failure", &net.DNSError{Err: "server misbehaving", Name: "dev"}, true},
		{"other dial failure", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("socket: too many open files")}), true},
		{"deadline", wrap(context.DeadlineExceeded), true},
		{"write failure", wrap(&net.OpError{Op: "write", Net: "tcp", Err: errors.New("broken")}), false},
		{"plain", errors.New("boom"), false},
		{"wrapped plain", fmt.Errorf("decode: %w", errors.New("bad json")), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, unreachable(tc.err))
		})
	}
}
