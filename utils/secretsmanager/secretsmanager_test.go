package secretsmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	testCases := []struct {
		name     string
		secret   string
		username string
		password string
		fails    bool
	}{
		{name: "simple", secret: "admin:hunter2", username: "admin", password: "hunter2"},
		{name: "colon in password", secret: "admin:a:b:c", username: "admin", password: "a:b:c"},
		{name: "trailing newline", secret: "admin:pw\n", username: "admin", password: "pw"},
		{name: "empty password", secret: "admin:", username: "admin", password: ""},
		{name: "no separator", secret: "admin", fails: true},
		{name: "no username", secret: ":pw", fails: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			creds, err := ParseCredentials(tc.secret)
			if tc.fails {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.username, creds.Username)
			assert.Equal(t, tc.password, creds.Password)
		})
	}
}
