package validation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/common/template"
)

func profileDoc(name string) string {
	return fmt.Sprintf(`{
		"ownerId": "owner-1",
		"name": %q,
		"enabled": true,
		"executionMode": "sequential",
		"operationProfileSessionId": "s1",
		"operations": [
			{
				"opId": "summarize",
				"name": "summarize",
				"kind": "llm",
				"config": {
					"enabled": true,
					"hooks": ["before_main_llm"],
					"params": {"providerId": "openai", "credentialRef": "c", "prompt": "p"}
				}
			}
		]
	}`, name)
}

// Every bundle shape must land in the same validation path and produce the
// same validated profiles.
func TestValidateBundle_AllShapesNormalize(t *testing.T) {
	v, err := NewValidator(template.NewEngine())
	require.NoError(t, err)

	bare := profileDoc("bare")
	v1 := fmt.Sprintf(`{"profile": %s}`, profileDoc("bare"))
	v2 := fmt.Sprintf(`{"format": "parley.profiles.v2", "profiles": [%s]}`, profileDoc("bare"))

	for _, raw := range []string{bare, v1, v2} {
		profiles, err := v.ValidateBundle([]byte(raw))
		require.NoError(t, err)
		require.Len(t, profiles, 1)
		assert.Equal(t, "bare", profiles[0].Name)
		assert.Len(t, profiles[0].Operations, 1)
	}
}

func TestValidateBundle_V2Multiple(t *testing.T) {
	v, err := NewValidator(template.NewEngine())
	require.NoError(t, err)

	raw := fmt.Sprintf(`{"format": "parley.profiles.v2", "profiles": [%s, %s]}`,
		profileDoc("one"), profileDoc("two"))

	profiles, err := v.ValidateBundle([]byte(raw))
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "one", profiles[0].Name)
	assert.Equal(t, "two", profiles[1].Name)
}

func TestValidateBundle_Rejections(t *testing.T) {
	v, err := NewValidator(template.NewEngine())
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "wrong format marker",
			raw:  fmt.Sprintf(`{"format": "parley.profiles.v9", "profiles": [%s]}`, profileDoc("x")),
			want: "unknown bundle format",
		},
		{
			name: "empty v2 bundle",
			raw:  `{"format": "parley.profiles.v2", "profiles": []}`,
			want: "bundle contains no profiles",
		},
		{
			name: "broken json",
			raw:  `{"profiles": `,
			want: "not valid JSON",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateBundle([]byte(tc.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

// One invalid profile fails the whole import
func TestValidateBundle_OneBadProfileFailsAll(t *testing.T) {
	v, err := NewValidator(template.NewEngine())
	require.NoError(t, err)

	bad := `{"ownerId": "o", "name": "", "executionMode": "sequential", "operations": []}`
	raw := fmt.Sprintf(`{"format": "parley.profiles.v2", "profiles": [%s, %s]}`, profileDoc("good"), bad)

	_, err = v.ValidateBundle([]byte(raw))
	require.Error(t, err)
}
