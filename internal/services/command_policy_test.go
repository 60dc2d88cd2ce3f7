package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPolicy_Check(t *testing.T) {
	policy, err := NewCommandPolicy(nil)
	require.NoError(t, err)

	tests := []struct {
		line string
		rule string
	}{
		{"rm -rf /", "no_recursive_root_delete"},
		{"rm -rf /*", "no_recursive_root_delete"},
		{"rm -fr ~", "no_recursive_root_delete"},
		{"rm -r -f $HOME", "no_recursive_root_delete"},
		{"rm --recursive --force /", "no_recursive_root_delete"},
		{"sudo rm -rf /", "no_recursive_root_delete"},
		{"sudo -E rm -Rf /", "no_recursive_root_delete"},
		{"FOO=bar rm -rf ~/*", "no_recursive_root_delete"},
		{"/bin/rm -rf /", "no_recursive_root_delete"},
		{"echo hi && rm -rf /", "no_recursive_root_delete"},
		{"rm -rf -- /", "no_recursive_root_delete"},
		{"rm -rf //", "no_recursive_root_delete"},
		{"rm -rf ~//", "no_recursive_root_delete"},
		{"sudo -u root rm -rf /", "no_recursive_root_delete"},
		{"sudo --user root -E rm -rf /", "no_recursive_root_delete"},
		{"doas -u root rm -rf /", "no_recursive_root_delete"},
		{"env rm -rf /", "no_recursive_root_delete"},
		{"env -u PATH FOO=1 rm -rf /", "no_recursive_root_delete"},
		{"time rm -rf /", "no_recursive_root_delete"},
		{"nice rm -rf /", "no_recursive_root_delete"},
		{"nice -n 10 rm -rf /", "no_recursive_root_delete"},
		{"nohup sudo -u admin rm -rf ~", "no_recursive_root_delete"},
		{":(){ :|:& };:", "no_fork_bomb"},
		{"mkfs.ext4 /dev/sda1", "no_mkfs"},
		{"dd if=/dev/zero of=/dev/sda bs=1M", "no_raw_device_write"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			err := policy.Check(tt.line)
			require.Error(t, err)
			assert.True(t, IsCommandPolicyError(err))

			var pe *CommandPolicyError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.rule, pe.Rule)
		})
	}
}

func TestCommandPolicy_AllowsOrdinaryCommands(t *testing.T) {
	policy, err := NewCommandPolicy(nil)
	require.NoError(t, err)

	for _, line := range []string{
		"",
		"echo hi",
		"ls -la /",
		"rm -rf node_modules",
		"rm -rf ./dist",
		"rm /tmp/file",
		"npm run build",
		"dd if=/dev/zero of=./disk.img bs=1M count=1",
		"echo 'rm -rf /' > notes.txt && cat notes.txt | wc -l",
		"sudo -u www-data ls /",
		"env NODE_ENV=production npm run build",
		"time npm test",
	} {
		assert.NoError(t, policy.Check(line), line)
	}
}

func TestCommandPolicy_ExtraPatterns(t *testing.T) {
	policy, err := NewCommandPolicy([]string{`^shutdown\b`})
	require.NoError(t, err)

	err = policy.Check("shutdown -h now")
	require.Error(t, err)
	var pe *CommandPolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "configured_pattern", pe.Rule)
	assert.Equal(t, "shutdown -h now", pe.Command)

	assert.NoError(t, policy.Check("echo shutdown"))

	_, err = NewCommandPolicy([]string{"("})
	assert.Error(t, err)
}

func TestCommandPolicy_NilPolicyUsesDefaults(t *testing.T) {
	var policy *CommandPolicy
	assert.Error(t, policy.Check("rm -rf /"))
	assert.NoError(t, policy.Check("echo ok"))
}

func TestIsCommandPolicyError(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", &CommandPolicyError{Rule: "x"})
	assert.True(t, IsCommandPolicyError(wrapped))
	assert.False(t, IsCommandPolicyError(fmt.Errorf("plain")))
}

func TestLineGuard_Filter(t *testing.T) {
	policy, err := NewCommandPolicy(nil)
	require.NoError(t, err)

	t.Run("allowed line passes through unchanged", func(t *testing.T) {
		g := NewLineGuard(policy)
		out, err := g.Filter("echo hi\r")
		require.NoError(t, err)
		assert.Equal(t, "echo hi\r", out)
		assert.Empty(t, g.Pending())
	})

	t.Run("keystrokes accumulate until enter", func(t *testing.T) {
		g := NewLineGuard(policy)
		for _, key := range []string{"r", "m", " ", "-", "r", "f", " "} {
			out, err := g.Filter(key)
			require.NoError(t, err)
			assert.Equal(t, key, out)
		}
		assert.Equal(t, "rm -rf ", g.Pending())

		out, err := g.Filter("/\r")
		require.Error(t, err)
		assert.True(t, IsCommandPolicyError(err))
		assert.Equal(t, "\x15", out)
		assert.Empty(t, g.Pending())
	})

	t.Run("backspace edits the tracked line", func(t *testing.T) {
		g := NewLineGuard(policy)
		out, err := g.Filter("rm -rf /x\x7f\r")
		require.Error(t, err)
		assert.Equal(t, "\x15", out)
	})

	t.Run("earlier lines in the chunk still pass", func(t *testing.T) {
		g := NewLineGuard(policy)
		out, err := g.Filter("ls\rrm -rf /\rpwd\r")
		require.Error(t, err)
		assert.Equal(t, "ls\r\x15pwd\r", out)
	})

	t.Run("ctrl-c resets the line", func(t *testing.T) {
		g := NewLineGuard(policy)
		_, err := g.Filter("rm -rf /\x03")
		require.NoError(t, err)
		out, err := g.Filter("ls\r")
		require.NoError(t, err)
		assert.Equal(t, "ls\r", out)
	})

	t.Run("escape sequences are forwarded but not tracked", func(t *testing.T) {
		g := NewLineGuard(policy)
		out, err := g.Filter("ls\x1b[A\x1bOB")
		require.NoError(t, err)
		assert.Equal(t, "ls\x1b[A\x1bOB", out)
		assert.Equal(t, "ls", g.Pending())
	})
}
