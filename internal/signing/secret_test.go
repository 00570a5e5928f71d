package signing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{name: "empty", secret: "", wantErr: true},
		{name: "too short", secret: "aB3$dE6&", wantErr: true},
		{name: "single repeated character", secret: strings.Repeat("a", 40), wantErr: true},
		{name: "too few distinct characters", secret: strings.Repeat("abcd", 10), wantErr: true},
		{name: "sequential digits", secret: "1234567890xYzWvUtSrQpOnMlKjIhGfE", wantErr: true},
		{name: "contains password", secret: "myPasswordIsVeryLongAndUnique9876", wantErr: true},
		{name: "contains secret", secret: "Xk3-secret-Pq9-Lm2-Zt7-Wv5-Rb8-Nc", wantErr: true},
		{name: "strong", secret: testSecret, wantErr: false},
		{name: "strong with symbols", secret: "p$7Gh!2xQ@9vLm#4Tz&8Rk*1Wn^6Yb%3", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecret(tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWeakSecret)
				if tt.secret != "" {
					assert.NotContains(t, err.Error(), tt.secret)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
