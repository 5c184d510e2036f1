// Package openapi builds the OpenAPI 3.1 document describing the keysmith
// HTTP API.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Options controls what the generated document advertises.
type Options struct {
	BaseURL string
	Version string
	// AdminAuth marks issue, revoke and list as requiring a bearer JWT.
	AdminAuth bool
}

// Route pairs a path with the operation served there. The legacy paths
// (/create, /checkapi, /revoke) and their /api/v1 equivalents share
// handlers, so both appear in the document.
type route struct {
	path   string
	method string
	op     func(id string) *openapi3.Operation
	id     string
	admin  bool
}

// Generate returns the document for the given options.
func Generate(opts Options) *openapi3.T {
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keysmith API",
			Description: "Issue, validate and revoke opaque sk- API keys.",
			Version:     version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = schemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKeyHeader": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type: "apiKey",
				In:   "header",
				Name: "X-API-Key",
			},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	routes := []route{
		{"/api/v1/keys", "POST", issueOperation, "issue_key", true},
		{"/create", "POST", issueOperation, "issue_key_legacy", true},
		{"/api/v1/keys", "GET", listOperation, "list_keys", true},
		{"/api/v1/keys/validate", "POST", validateOperation, "validate_key", false},
		{"/checkapi", "POST", validateOperation, "validate_key_legacy", false},
		{"/api/v1/keys/revoke", "POST", revokeOperation, "revoke_key", true},
		{"/revoke", "POST", revokeOperation, "revoke_key_legacy", true},
		{"/healthz", "GET", healthOperation, "healthz", false},
		{"/readyz", "GET", readyOperation, "readyz", false},
	}

	for _, rt := range routes {
		op := rt.op(rt.id)
		if rt.admin && opts.AdminAuth {
			op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
			unauth := "Missing or invalid admin token"
			op.Responses.Set("401", &openapi3.ResponseRef{
				Value: &openapi3.Response{
					Description: &unauth,
					Content:     openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse")),
				},
			})
		}

		item := doc.Paths.Value(rt.path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(rt.path, item)
		}
		item.SetOperation(rt.method, op)
	}

	return doc
}

// ─── Operations ─────────────────────────────────────────────────────────────

func issueOperation(id string) *openapi3.Operation {
	responses := openapi3.NewResponses()
	setResponse(responses, "201", "Key issued", ref("IssueResponse"))
	setResponse(responses, "400", "Malformed body or ttl_minutes", ref("Message"))
	setResponse(responses, "500", "Key could not be stored", ref("Message"))

	return &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Issue a key",
		Description: "Generates a new sk- key. A positive ttl_minutes sets expires_at; otherwise the key never expires.",
		OperationID: id,
		RequestBody: &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: false,
				Content:  openapi3.NewContentWithJSONSchemaRef(ref("IssueRequest")),
			},
		},
		Responses: responses,
	}
}

func validateOperation(id string) *openapi3.Operation {
	responses := openapi3.NewResponses()
	setResponse(responses, "200", "Key is valid", ref("ValidResponse"))
	setResponse(responses, "400", "api_key missing", ref("InvalidResponse"))
	setResponse(responses, "401", "Key is not usable", ref("InvalidResponse"))
	setResponse(responses, "500", "Validity could not be determined", ref("InvalidResponse"))

	return &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Validate a key",
		Description: "Checks format, existence, revocation and expiry, in that order. The key may also be sent in the X-API-Key header.",
		OperationID: id,
		RequestBody: &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Content: openapi3.NewContentWithJSONSchemaRef(ref("KeyRequest")),
			},
		},
		Security:  &openapi3.SecurityRequirements{{}, {"apiKeyHeader": {}}},
		Responses: responses,
	}
}

func revokeOperation(id string) *openapi3.Operation {
	responses := openapi3.NewResponses()
	setResponse(responses, "200", "Key revoked (or already revoked)", ref("RevokeResponse"))
	setResponse(responses, "400", "api_key missing", ref("Message"))
	setResponse(responses, "404", "No such key", ref("Message"))
	setResponse(responses, "500", "Key could not be revoked", ref("Message"))

	return &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Revoke a key",
		Description: "Permanently disables a key. Revoking twice succeeds with already_revoked set.",
		OperationID: id,
		RequestBody: &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(ref("KeyRequest")),
			},
		},
		Responses: responses,
	}
}

func listOperation(id string) *openapi3.Operation {
	responses := openapi3.NewResponses()
	setResponse(responses, "200", "Keys, newest first, with key strings masked", ref("KeyList"))
	setResponse(responses, "500", "Keys could not be listed", ref("ErrorResponse"))

	return &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "List keys",
		OperationID: id,
		Parameters: openapi3.Parameters{
			intQueryParam("limit", "Maximum keys to return (1-500, default 50)."),
			intQueryParam("offset", "Number of keys to skip."),
		},
		Responses: responses,
	}
}

func healthOperation(id string) *openapi3.Operation {
	responses := openapi3.NewResponses()
	setResponse(responses, "200", "Process is up", statusSchema())
	return &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Liveness probe",
		OperationID: id,
		Responses:   responses,
	}
}

func readyOperation(id string) *openapi3.Operation {
	responses := openapi3.NewResponses()
	setResponse(responses, "200", "Key store reachable", statusSchema())
	setResponse(responses, "503", "Key store unreachable", ref("ErrorResponse"))
	return &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Readiness probe",
		OperationID: id,
		Responses:   responses,
	}
}

// ─── Schemas ────────────────────────────────────────────────────────────────

func schemas() openapi3.Schemas {
	str := func(desc string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: desc}}
	}
	nullableStr := func(desc string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string", "null"}, Description: desc}}
	}
	timestamp := func(desc string, nullable bool) *openapi3.SchemaRef {
		types := openapi3.Types{"string"}
		if nullable {
			types = append(types, "null")
		}
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &types, Format: "date-time", Description: desc}}
	}
	boolean := &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
	integer := &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	return openapi3.Schemas{
		"ErrorResponse": &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type: &openapi3.Types{"object"},
				Properties: openapi3.Schemas{
					"error": &openapi3.SchemaRef{
						Value: &openapi3.Schema{
							Type: &openapi3.Types{"object"},
							Properties: openapi3.Schemas{
								"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
								"message": str(""),
								"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
							},
						},
					},
				},
			},
		},
		"Message": objectSchema([]string{"message"}, openapi3.Schemas{
			"message": str(""),
		}),
		"IssueRequest": objectSchema(nil, openapi3.Schemas{
			"owner": nullableStr("Free-text owner (name or email)."),
			"ttl_minutes": &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type:        &openapi3.Types{"number", "string", "null"},
				Description: "Minutes until expiry. Numeric strings are accepted; non-positive means never.",
			}},
		}),
		"IssueResponse": objectSchema([]string{"message", "api_key", "owner", "expires_at"}, openapi3.Schemas{
			"message": str(""),
			"api_key": &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type:    &openapi3.Types{"string"},
				Pattern: "^sk-[A-Za-z0-9]{40}$",
			}},
			"owner":      nullableStr(""),
			"expires_at": timestamp("Null when the key never expires.", true),
		}),
		"KeyRequest": objectSchema(nil, openapi3.Schemas{
			"api_key": str("The key to act on."),
		}),
		"KeyMeta": objectSchema([]string{"id", "owner", "created_at", "expires_at"}, openapi3.Schemas{
			"id":         integer,
			"owner":      nullableStr(""),
			"created_at": timestamp("", false),
			"expires_at": timestamp("", true),
		}),
		"ValidResponse": objectSchema([]string{"valid", "message", "meta"}, openapi3.Schemas{
			"valid":   boolean,
			"message": str(""),
			"meta":    ref("KeyMeta"),
		}),
		"InvalidResponse": objectSchema([]string{"valid", "message"}, openapi3.Schemas{
			"valid": boolean,
			"reason": &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type: &openapi3.Types{"string"},
				Enum: []interface{}{"missing", "bad-format", "not-found", "revoked", "expired"},
			}},
			"message": str(""),
		}),
		"RevokeResponse": objectSchema([]string{"message", "already_revoked"}, openapi3.Schemas{
			"message":         str(""),
			"already_revoked": boolean,
		}),
		"KeyList": objectSchema([]string{"keys", "limit", "offset"}, openapi3.Schemas{
			"keys": &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type: &openapi3.Types{"array"},
				Items: objectSchema(nil, openapi3.Schemas{
					"id":         integer,
					"api_key":    str("Masked key."),
					"owner":      nullableStr(""),
					"created_at": timestamp("", false),
					"expires_at": timestamp("", true),
					"revoked":    boolean,
				}),
			}},
			"limit":  integer,
			"offset": integer,
		}),
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func objectSchema(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Required:   required,
			Properties: props,
		},
	}
}

func statusSchema() *openapi3.SchemaRef {
	return objectSchema([]string{"status"}, openapi3.Schemas{
		"status": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
	})
}

func intQueryParam(name, desc string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:        name,
			In:          "query",
			Description: desc,
			Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
		},
	}
}

func setResponse(responses *openapi3.Responses, status, description string, schema *openapi3.SchemaRef) {
	desc := description
	responses.Set(status, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})
}
