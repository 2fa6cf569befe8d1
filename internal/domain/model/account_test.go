package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAccount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "checksummed evm", input: "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045", want: "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"},
		{name: "upper prefix", input: " 0XD8DA6BF26964AF9D7EED9E03E53415D37AA96045 ", want: "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"},
		{name: "solana kept", input: " 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", want: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"},
		{name: "short hex kept", input: "0xABC", want: "0xABC"},
		{name: "empty", input: "  ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeAccount(tt.input))
		})
	}
}
