package mutator

import (
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/models"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return token
}

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	return NewGenerator(NewRegistry(DefaultCatalog()))
}

func jsonRequest(t *testing.T) *models.Request {
	t.Helper()
	return &models.Request{
		ID:     "req-1",
		FlowID: "flow-1",
		Method: "POST",
		URL:    "https://shop.example.com/cart/add?session=abc",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + signedToken(t, jwt.MapClaims{"sub": "42", "role": "user"}),
		},
		Body:           []byte(`{"price":19.99,"qty":1}`),
		CapturedStatus: 200,
	}
}

func TestGenerate_IsDeterministicAndIdempotent(t *testing.T) {
	gen := newGenerator(t)
	req := jsonRequest(t)
	flow := FlowContext{RequestCount: 3, Identities: []models.Identity{{Name: "admin"}}}

	first, err := gen.Generate(req, flow)
	require.NoError(t, err)
	second, err := gen.Generate(req, flow)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	firstHashes := map[string]bool{}
	for _, tc := range first {
		firstHashes[tc.Mutation.Hash()] = true
	}
	for _, tc := range second {
		assert.True(t, firstHashes[tc.Mutation.Hash()], "regeneration produced a new mutation record")
	}
	// Same order too, not just set equality.
	for i := range first {
		assert.Equal(t, first[i].Mutation, second[i].Mutation)
	}
}

func TestGenerate_CoversExpectedRules(t *testing.T) {
	gen := newGenerator(t)
	req := jsonRequest(t)

	cases, err := gen.Generate(req, FlowContext{RequestCount: 1})
	require.NoError(t, err)

	byRule := map[string]int{}
	for _, tc := range cases {
		byRule[tc.Type]++
		assert.Equal(t, "2026.1", tc.CatalogVersion)
		assert.Equal(t, req.ID, tc.RequestID)
	}

	// Two JSON fields × three boundary numbers.
	assert.Equal(t, 6, byRule["param-numeric-extreme"])
	// One query parameter × three boundary numbers.
	assert.Equal(t, 3, byRule["query-numeric-extreme"])
	// Two path segments (/cart/add) × two boundary identifiers.
	assert.Equal(t, 4, byRule["path-id-extreme"])
	assert.Equal(t, 2, byRule["param-delete"])
	assert.Equal(t, 1, byRule["auth-header-strip"])
	// JWT present: sub (two values) + role (one value).
	assert.Equal(t, 2, byRule["auth-token-tamper-sub"])
	assert.Equal(t, 1, byRule["auth-token-tamper-role"])
	// Single-request flow: no sequence rules.
	assert.Zero(t, byRule["sequence-skip"])
	assert.Zero(t, byRule["sequence-repeat"])
}

func TestGenerate_SequenceRulesNeedFlowContext(t *testing.T) {
	gen := newGenerator(t)
	req := jsonRequest(t)
	req.Ordinal = 2

	cases, err := gen.Generate(req, FlowContext{RequestCount: 3})
	require.NoError(t, err)

	var skip, repeat, swap *models.TestCase
	for _, tc := range cases {
		switch tc.Type {
		case "sequence-skip":
			skip = tc
		case "sequence-repeat":
			repeat = tc
		case "sequence-swap":
			swap = tc
		}
	}
	require.NotNil(t, skip)
	assert.Equal(t, models.OpSkipOrdinal, skip.Mutation.Op)
	assert.Equal(t, 1, skip.Mutation.TargetIndex)
	require.NotNil(t, repeat)
	assert.Equal(t, 2, repeat.Mutation.TargetIndex)
	require.NotNil(t, swap)
	assert.Equal(t, models.CategorySequence, swap.Category)
}

func TestGenerate_FirstOrdinalHasNoSkip(t *testing.T) {
	gen := newGenerator(t)
	req := jsonRequest(t)
	req.Ordinal = 1

	cases, err := gen.Generate(req, FlowContext{RequestCount: 3})
	require.NoError(t, err)
	for _, tc := range cases {
		assert.NotEqual(t, "sequence-skip", tc.Type)
		assert.NotEqual(t, "sequence-swap", tc.Type)
	}
}

func TestGenerate_PrivilegeRulesDrawFromIdentityPool(t *testing.T) {
	gen := newGenerator(t)
	req := jsonRequest(t)

	none, err := gen.Generate(req, FlowContext{RequestCount: 1})
	require.NoError(t, err)
	for _, tc := range none {
		assert.NotEqual(t, "auth-identity-swap", tc.Type)
	}

	withPool, err := gen.Generate(req, FlowContext{
		RequestCount: 1,
		Identities: []models.Identity{
			{Name: "bob"},
			{Name: "admin"},
		},
	})
	require.NoError(t, err)

	var identities []string
	for _, tc := range withPool {
		if tc.Type == "auth-identity-swap" {
			identities = append(identities, tc.Mutation.Identity)
		}
	}
	// Sorted for determinism.
	assert.Equal(t, []string{"admin", "bob"}, identities)
}

func TestGenerate_NoAuthRequestSkipsAuthRules(t *testing.T) {
	gen := newGenerator(t)
	req := &models.Request{
		ID:             "req-2",
		FlowID:         "flow-1",
		Method:         "GET",
		URL:            "https://shop.example.com/catalog?page=2",
		CapturedStatus: 200,
	}

	cases, err := gen.Generate(req, FlowContext{RequestCount: 1})
	require.NoError(t, err)
	for _, tc := range cases {
		assert.NotEqual(t, models.CategoryAuth, tc.Category, "rule %s fired without auth material", tc.Type)
	}
}

func TestGenerate_PathSegmentsEnumerateEveryIndex(t *testing.T) {
	gen := newGenerator(t)
	req := jsonRequest(t)
	req.URL = "https://shop.example.com/api/users/42/orders"

	cases, err := gen.Generate(req, FlowContext{RequestCount: 1})
	require.NoError(t, err)

	type segSite struct {
		index int
		value string
	}
	var sites []segSite
	for _, tc := range cases {
		if tc.Type != "path-id-extreme" {
			continue
		}
		assert.Equal(t, models.TargetPathSegment, tc.Mutation.TargetKind)
		assert.Equal(t, models.OpSet, tc.Mutation.Op)
		sites = append(sites, segSite{index: tc.Mutation.TargetIndex, value: tc.Mutation.Value})
	}

	// Four segments × two boundary values, enumerated in index order.
	require.Len(t, sites, 8)
	assert.Equal(t, segSite{1, "-1"}, sites[0])
	assert.Equal(t, segSite{1, "0"}, sites[1])
	assert.Equal(t, segSite{4, "0"}, sites[7])
}

func TestGenerate_PathSegmentExplicitIndex(t *testing.T) {
	catalog, err := ParseCatalog([]byte(`
version: "path-test"
rules:
  - id: third-segment-swap
    category: parameter
    description: Swap the resource id segment
    target:
      kind: path_segment
      index: 3
    transform:
      op: set
      values: ["999"]
`))
	require.NoError(t, err)
	gen := NewGenerator(NewRegistry(catalog))

	req := jsonRequest(t)
	req.URL = "https://shop.example.com/api/users/42"

	cases, err := gen.Generate(req, FlowContext{RequestCount: 1})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, 3, cases[0].Mutation.TargetIndex)
	assert.Equal(t, "999", cases[0].Mutation.Value)

	// Index past the path depth selects nothing.
	req.URL = "https://shop.example.com/api"
	none, err := gen.Generate(req, FlowContext{RequestCount: 1})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExpandValueMacro(t *testing.T) {
	assert.Equal(t, strings.Repeat("A", 4096), expandValueMacro("{{repeat:A:4096}}"))
	assert.Equal(t, "plain", expandValueMacro("plain"))
	assert.Equal(t, "{{repeat:A:x}}", expandValueMacro("{{repeat:A:x}}"))
}

func TestTamperToken_RewritesClaimWithInvalidSignature(t *testing.T) {
	original := signedToken(t, jwt.MapClaims{"sub": "42", "role": "user"})

	tampered, err := TamperToken(original, "sub", "1")
	require.NoError(t, err)
	require.NotEqual(t, original, tampered)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(tampered, claims)
	require.NoError(t, err)
	assert.Equal(t, "1", claims["sub"])
	assert.Equal(t, "user", claims["role"], "untouched claims survive")

	// The original key must no longer verify the tampered token.
	_, err = jwt.Parse(tampered, func(*jwt.Token) (any, error) {
		return []byte("server-secret"), nil
	})
	assert.Error(t, err)
}

func TestParseCatalog_RejectsMalformedRules(t *testing.T) {
	_, err := ParseCatalog([]byte(`
version: "1"
rules:
  - id: bad-rule
    category: parameter
    target: {kind: query_param}
    transform: {op: frobnicate}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transform op")

	_, err = ParseCatalog([]byte(`
rules: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")

	_, err = ParseCatalog([]byte(`
version: "1"
rules:
  - id: misindexed
    category: parameter
    target: {kind: query_param, index: 2}
    transform: {op: delete}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path_segment")
}

func TestRegistry_ReplaceValidates(t *testing.T) {
	reg := NewRegistry(DefaultCatalog())
	err := reg.Replace(&Catalog{Version: ""})
	require.Error(t, err)
	assert.Equal(t, "2026.1", reg.Current().Version, "invalid catalog must not replace the live one")

	err = reg.Replace(&Catalog{Version: "2026.2"})
	require.NoError(t, err)
	assert.Equal(t, "2026.2", reg.Current().Version)
}
