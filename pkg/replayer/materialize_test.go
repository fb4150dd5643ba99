package replayer

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/models"
)

func baseRequest() *models.Request {
	return &models.Request{
		ID:     "req-1",
		FlowID: "flow-1",
		Method: "POST",
		URL:    "https://shop.example.com/cart/add?session=abc&coupon=x",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer token",
		},
		Body: []byte(`{"price":19.99,"qty":1}`),
	}
}

func TestMaterialize_BaselineIsUnchanged(t *testing.T) {
	req := baseRequest()
	httpReq, err := materialize(context.Background(), req, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "POST", httpReq.Method)
	assert.Equal(t, req.URL, httpReq.URL.String())
	assert.Equal(t, "Bearer token", httpReq.Header.Get("Authorization"))

	body, _ := io.ReadAll(httpReq.Body)
	assert.JSONEq(t, `{"price":19.99,"qty":1}`, string(body))
}

func TestMaterialize_SetQueryParam(t *testing.T) {
	httpReq, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetQueryParam, TargetName: "session", Op: models.OpSet, Value: "-1",
	}, nil)
	require.NoError(t, err)

	q := httpReq.URL.Query()
	assert.Equal(t, "-1", q.Get("session"))
	assert.Equal(t, "x", q.Get("coupon"), "other parameters untouched")
}

func TestMaterialize_DeleteAndDuplicateQueryParam(t *testing.T) {
	deleted, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetQueryParam, TargetName: "coupon", Op: models.OpDelete,
	}, nil)
	require.NoError(t, err)
	assert.False(t, deleted.URL.Query().Has("coupon"))

	duplicated, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetQueryParam, TargetName: "coupon", Op: models.OpDuplicate,
	}, nil)
	require.NoError(t, err)
	values, _ := url.ParseQuery(duplicated.URL.RawQuery)
	assert.Len(t, values["coupon"], 2)
}

func TestMaterialize_SetPathSegment(t *testing.T) {
	req := baseRequest()
	req.URL = "https://shop.example.com/api/users/42/orders"

	httpReq, err := materialize(context.Background(), req, &models.Mutation{
		RuleID: "r", TargetKind: models.TargetPathSegment, TargetIndex: 3, Op: models.OpSet, Value: "-1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/users/-1/orders", httpReq.URL.Path)

	// Out-of-range segments surface as materialization errors.
	_, err = materialize(context.Background(), req, &models.Mutation{
		RuleID: "r", TargetKind: models.TargetPathSegment, TargetIndex: 9, Op: models.OpSet, Value: "-1",
	}, nil)
	assert.Error(t, err)
}

func TestMaterialize_DeletePathSegment(t *testing.T) {
	req := baseRequest()
	req.URL = "https://shop.example.com/api/v2/users"

	httpReq, err := materialize(context.Background(), req, &models.Mutation{
		RuleID: "r", TargetKind: models.TargetPathSegment, TargetIndex: 2, Op: models.OpDelete,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/users", httpReq.URL.Path)
}

func TestMaterialize_JSONFieldKeepsNumericLiterals(t *testing.T) {
	httpReq, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetJSONField, TargetName: "price", Op: models.OpSet, Value: "-1",
	}, nil)
	require.NoError(t, err)

	body, _ := io.ReadAll(httpReq.Body)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(body, &obj))
	assert.Equal(t, float64(-1), obj["price"], "numeric values stay numbers, not strings")
	assert.Equal(t, float64(1), obj["qty"])
}

func TestMaterialize_JSONFieldCoerceToNull(t *testing.T) {
	httpReq, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetJSONField, TargetName: "qty", Op: models.OpCoerce, Value: "null",
	}, nil)
	require.NoError(t, err)

	body, _ := io.ReadAll(httpReq.Body)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(body, &obj))
	assert.Nil(t, obj["qty"])
}

func TestMaterialize_HeaderDeleteIsCaseInsensitive(t *testing.T) {
	httpReq, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetHeader, TargetName: "authorization", Op: models.OpDelete,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, httpReq.Header.Get("Authorization"))
}

func TestMaterialize_TokenClaimSet(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	req := baseRequest()
	req.Headers["Authorization"] = "Bearer " + token

	httpReq, err := materialize(context.Background(), req, &models.Mutation{
		RuleID: "r", TargetKind: models.TargetHeader, TargetName: "Authorization",
		Op: models.OpTokenClaimSet, Claim: "sub", Value: "1",
	}, nil)
	require.NoError(t, err)

	auth := httpReq.Header.Get("Authorization")
	require.NotEmpty(t, auth)
	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(auth[len("Bearer "):], claims)
	require.NoError(t, err)
	assert.Equal(t, "1", claims["sub"])
}

func TestMaterialize_TokenClaimSetWithoutBearerFails(t *testing.T) {
	req := baseRequest()
	req.Headers["Authorization"] = "Basic abc"

	_, err := materialize(context.Background(), req, &models.Mutation{
		RuleID: "r", TargetKind: models.TargetHeader, TargetName: "Authorization",
		Op: models.OpTokenClaimSet, Claim: "sub", Value: "1",
	}, nil)
	assert.Error(t, err)
}

func TestMaterialize_IdentitySwap(t *testing.T) {
	pool := []models.Identity{
		{
			Name:    "admin",
			Headers: map[string]string{"Authorization": "Bearer admin-token"},
			Cookies: map[string]string{"sid": "a1", "role": "admin"},
		},
	}

	httpReq, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetIdentity, Op: models.OpIdentitySwap, Identity: "admin",
	}, pool)
	require.NoError(t, err)

	assert.Equal(t, "Bearer admin-token", httpReq.Header.Get("Authorization"))
	assert.Equal(t, "role=admin; sid=a1", httpReq.Header.Get("Cookie"))
}

func TestMaterialize_IdentitySwapUnknownIdentityFails(t *testing.T) {
	_, err := materialize(context.Background(), baseRequest(), &models.Mutation{
		RuleID: "r", TargetKind: models.TargetIdentity, Op: models.OpIdentitySwap, Identity: "ghost",
	}, nil)
	assert.Error(t, err)
}

func TestMaterialize_SequenceMutationLeavesEnvelopeAlone(t *testing.T) {
	req := baseRequest()
	httpReq, err := materialize(context.Background(), req, &models.Mutation{
		RuleID: "r", TargetKind: models.TargetSequence, Op: models.OpSkipOrdinal, TargetIndex: 2,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, req.URL, httpReq.URL.String())
	assert.Equal(t, "Bearer token", httpReq.Header.Get("Authorization"))
}

func TestPlanPrefix(t *testing.T) {
	byOrdinal := map[int]*models.Request{
		1: {ID: "a", Ordinal: 1},
		2: {ID: "b", Ordinal: 2},
		3: {ID: "c", Ordinal: 3},
	}

	ids := func(reqs []*models.Request) []string {
		out := make([]string, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, r.ID)
		}
		return out
	}

	// Plain mutation at ordinal 3: full prefix.
	prefix, repeat := planPrefix(3, &models.Mutation{Op: models.OpSet}, byOrdinal)
	assert.Equal(t, []string{"a", "b"}, ids(prefix))
	assert.Nil(t, repeat)

	// Skip ordinal 2.
	prefix, _ = planPrefix(3, &models.Mutation{Op: models.OpSkipOrdinal, TargetIndex: 2}, byOrdinal)
	assert.Equal(t, []string{"a"}, ids(prefix))

	// Repeat ordinal 2: prefix includes the target once, splice runs it again.
	prefix, repeat = planPrefix(2, &models.Mutation{Op: models.OpRepeatOrdinal, TargetIndex: 2}, byOrdinal)
	assert.Equal(t, []string{"a", "b"}, ids(prefix))
	require.NotNil(t, repeat)
	assert.Equal(t, "b", repeat.ID)

	// Swap: the probe runs before its prerequisite.
	prefix, _ = planPrefix(3, &models.Mutation{Op: models.OpSwapOrdinal, TargetIndex: 2}, byOrdinal)
	assert.Equal(t, []string{"a"}, ids(prefix))
}
