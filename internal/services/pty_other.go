//go:build !unix

package services

import "os"

func killProcessGroup(p *os.Process) error {
	return p.Kill()
}
