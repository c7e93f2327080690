package httpclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		in      []int
		out     []int
		wantErr bool
		wantNil bool
	}{
		{name: "single code", input: "404", in: []int{404}, out: []int{403, 405}},
		{name: "range", input: "500-599", in: []int{500, 550, 599}, out: []int{499, 404}},
		{name: "default retryable", input: DefaultRetryableStatusCodes, in: []int{404, 412, 415, 500, 503}, out: []int{400, 401, 403, 410, 429}},
		{name: "spaces", input: " 404 , 500 - 502 ", in: []int{404, 501}, out: []int{503}},
		{name: "empty", input: "", wantNil: true},
		{name: "only commas", input: ",,", wantNil: true},
		{name: "not a number", input: "abc", wantErr: true},
		{name: "inverted range", input: "599-500", wantErr: true},
		{name: "out of bounds", input: "99", wantErr: true},
		{name: "range out of bounds", input: "500-600", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ParseStatusCodes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, set)
				return
			}
			for _, code := range tt.in {
				assert.True(t, set.Contains(code), "expected %d in set", code)
			}
			for _, code := range tt.out {
				assert.False(t, set.Contains(code), "expected %d not in set", code)
			}
		})
	}
}

func TestStatusCodeSet_NilSet(t *testing.T) {
	var set *StatusCodeSet
	assert.False(t, set.Contains(500))
	assert.True(t, set.IsEmpty())
	assert.Empty(t, set.String())
}

func TestStatusCodeSet_String(t *testing.T) {
	set := MustParseStatusCodes("500-599,404,412")
	assert.Equal(t, "404,412,500-599", set.String())
}

func TestMustParseStatusCodes_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParseStatusCodes("nope") })
}
