// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

func TestConsole(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")

	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}

	defer l.Close()

	c := &Console{
		Session: func(t *term.Terminal) {
			line, _ := t.ReadLine()
			fmt.Fprintf(t, "echo:%s\n", line)
		},
	}

	if err = c.Start(l); err != nil {
		t.Fatal(err)
	}

	client, err := ssh.Dial("tcp", l.Addr().String(), &ssh.ClientConfig{
		User:            "test",
		HostKeyCallback: ssh.FixedHostKey(c.Signer.PublicKey()),
		Timeout:         10 * time.Second,
	})

	if err != nil {
		t.Fatal(err)
	}

	defer client.Close()

	s, err := client.NewSession()

	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	s.Stdout = &out
	s.Stdin = strings.NewReader("ping\r")

	if err = s.Shell(); err != nil {
		t.Fatal(err)
	}

	// the session has no exit status
	_ = s.Wait()

	if !strings.Contains(out.String(), "echo:ping") {
		t.Errorf("session output %q", out.String())
	}
}
