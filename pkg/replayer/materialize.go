package replayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/mutator"
)

// materialize produces the concrete HTTP request for (baseline request,
// mutation). A nil mutation materializes the unmodified baseline.
// Sequence mutations leave the request untouched; their effect is in the
// replay plan, not the envelope.
func materialize(ctx context.Context, req *models.Request, m *models.Mutation, identities []models.Identity) (*http.Request, error) {
	rawURL := req.URL
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	body := append([]byte(nil), req.Body...)

	if m != nil {
		var err error
		switch m.TargetKind {
		case models.TargetQueryParam:
			rawURL, err = mutateQuery(rawURL, m)
		case models.TargetPathSegment:
			rawURL, err = mutatePath(rawURL, m)
		case models.TargetHeader:
			err = mutateHeader(headers, m)
		case models.TargetJSONField:
			body, err = mutateJSONField(body, m)
		case models.TargetFormField:
			body, err = mutateFormField(body, m)
		case models.TargetIdentity:
			err = applyIdentity(headers, m, identities)
		case models.TargetSequence, models.TargetEnvelope:
			// No envelope change.
		default:
			err = fmt.Errorf("unknown mutation target kind %q", m.TargetKind)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to materialize mutation %s: %w", m.RuleID, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func mutateQuery(rawURL string, m *models.Mutation) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	switch m.Op {
	case models.OpSet:
		q.Set(m.TargetName, m.Value)
	case models.OpDelete:
		q.Del(m.TargetName)
	case models.OpDuplicate:
		if vals, ok := q[m.TargetName]; ok && len(vals) > 0 {
			q.Add(m.TargetName, vals[0])
		}
	case models.OpCoerce:
		if vals, ok := q[m.TargetName]; ok && len(vals) > 0 {
			q.Set(m.TargetName, coerceString(vals[0], m.Value))
		}
	default:
		return "", fmt.Errorf("op %q not valid for query parameters", m.Op)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func mutatePath(rawURL string, m *models.Mutation) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	idx := m.TargetIndex - 1
	if idx < 0 || idx >= len(segments) {
		return "", fmt.Errorf("path segment %d out of range", m.TargetIndex)
	}
	switch m.Op {
	case models.OpSet:
		segments[idx] = url.PathEscape(m.Value)
	case models.OpDelete:
		segments = append(segments[:idx], segments[idx+1:]...)
	default:
		return "", fmt.Errorf("op %q not valid for path segments", m.Op)
	}
	u.Path = "/" + strings.Join(segments, "/")
	return u.String(), nil
}

func mutateHeader(headers map[string]string, m *models.Mutation) error {
	name := canonicalHeaderName(headers, m.TargetName)
	switch m.Op {
	case models.OpSet:
		headers[name] = m.Value
	case models.OpDelete:
		delete(headers, name)
	case models.OpDuplicate:
		// Header maps hold one value per name; duplication degrades to
		// a comma join, which is what net/http sends anyway.
		if v, ok := headers[name]; ok {
			headers[name] = v + ", " + v
		}
	case models.OpTokenClaimSet:
		auth, ok := headers[name]
		if !ok || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return fmt.Errorf("no bearer token in header %q", m.TargetName)
		}
		token := strings.TrimSpace(auth[len("Bearer "):])
		tampered, err := mutator.TamperToken(token, m.Claim, m.Value)
		if err != nil {
			return err
		}
		headers[name] = "Bearer " + tampered
	default:
		return fmt.Errorf("op %q not valid for headers", m.Op)
	}
	return nil
}

// canonicalHeaderName resolves the recorded spelling of a header so the
// mutation hits the existing entry regardless of case.
func canonicalHeaderName(headers map[string]string, name string) string {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

func mutateJSONField(body []byte, m *models.Mutation) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	switch m.Op {
	case models.OpSet:
		obj[m.TargetName] = jsonLiteral(m.Value)
	case models.OpDelete:
		delete(obj, m.TargetName)
	case models.OpDuplicate:
		// JSON objects cannot hold duplicate keys; duplicate the value
		// under a shadowed key the way permissive parsers see it.
		if v, ok := obj[m.TargetName]; ok {
			obj[m.TargetName+"_"] = v
		}
	case models.OpCoerce:
		existing, ok := obj[m.TargetName]
		if !ok {
			return nil, fmt.Errorf("field %q not present", m.TargetName)
		}
		obj[m.TargetName] = coerceJSON(existing, m.Value)
	default:
		return nil, fmt.Errorf("op %q not valid for JSON fields", m.Op)
	}
	return json.Marshal(obj)
}

// jsonLiteral encodes a mutation value the way it reads: numbers, bools,
// and null stay literals, everything else becomes a string.
func jsonLiteral(v string) json.RawMessage {
	switch v {
	case "true", "false", "null":
		return json.RawMessage(v)
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return json.RawMessage(v)
	}
	quoted, _ := json.Marshal(v)
	return quoted
}

// coerceJSON converts an existing JSON value to the target type.
func coerceJSON(existing json.RawMessage, target string) json.RawMessage {
	switch target {
	case "null":
		return json.RawMessage("null")
	case "bool":
		return json.RawMessage("true")
	case "number":
		var s string
		if err := json.Unmarshal(existing, &s); err == nil {
			if _, convErr := strconv.ParseFloat(s, 64); convErr == nil {
				return json.RawMessage(s)
			}
		}
		return json.RawMessage("0")
	case "string":
		quoted, _ := json.Marshal(string(existing))
		return quoted
	default:
		return existing
	}
}

// coerceString is the query/form flavor of type coercion: everything is
// a string on the wire, so coercion rewrites the lexical shape.
func coerceString(existing, target string) string {
	switch target {
	case "null":
		return ""
	case "bool":
		return "true"
	case "number":
		if _, err := strconv.ParseFloat(existing, 64); err == nil {
			return existing
		}
		return "0"
	default:
		return existing
	}
}

func mutateFormField(body []byte, m *models.Mutation) ([]byte, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("body is not form-encoded: %w", err)
	}
	switch m.Op {
	case models.OpSet:
		form.Set(m.TargetName, m.Value)
	case models.OpDelete:
		form.Del(m.TargetName)
	case models.OpDuplicate:
		if vals, ok := form[m.TargetName]; ok && len(vals) > 0 {
			form.Add(m.TargetName, vals[0])
		}
	case models.OpCoerce:
		if vals, ok := form[m.TargetName]; ok && len(vals) > 0 {
			form.Set(m.TargetName, coerceString(vals[0], m.Value))
		}
	default:
		return nil, fmt.Errorf("op %q not valid for form fields", m.Op)
	}
	return []byte(form.Encode()), nil
}

// applyIdentity strips the recorded authentication material and installs
// the named identity from the flow's pool.
func applyIdentity(headers map[string]string, m *models.Mutation, identities []models.Identity) error {
	var identity *models.Identity
	for i := range identities {
		if identities[i].Name == m.Identity {
			identity = &identities[i]
			break
		}
	}
	if identity == nil {
		return fmt.Errorf("identity %q not in flow identity pool", m.Identity)
	}

	delete(headers, canonicalHeaderName(headers, "Authorization"))
	delete(headers, canonicalHeaderName(headers, "Cookie"))

	for k, v := range identity.Headers {
		headers[k] = v
	}
	if len(identity.Cookies) > 0 {
		pairs := make([]string, 0, len(identity.Cookies))
		for k := range identity.Cookies {
			pairs = append(pairs, k)
		}
		// Stable cookie order keeps materialization deterministic.
		sort.Strings(pairs)
		for i, k := range pairs {
			pairs[i] = k + "=" + identity.Cookies[k]
		}
		headers["Cookie"] = strings.Join(pairs, "; ")
	}
	return nil
}
