package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the server's routes.
func buildOpenAPIDoc(command string) map[string]any {
	bearer := []any{map[string]any{"BearerAuth": []string{}}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/" + ref},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "spawnstep",
			"version":     "1.0",
			"description": "Runs `" + command + "` once per item of a batch.",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"responses":   map[string]any{"200": map[string]any{"description": "Service is up"}},
				},
			},
			"/run": map[string]any{
				"post": map[string]any{
					"operationId": "run",
					"summary":     "Run the configured command over a batch of items",
					"security":    bearer,
					"requestBody": map[string]any{"required": true, "content": jsonBody("RunRequest")},
					"responses": map[string]any{
						"200": map[string]any{"description": "Batch completed", "content": jsonBody("RunResponse")},
						"400": map[string]any{"description": "Bad request"},
						"401": map[string]any{"description": "Missing or invalid API key"},
						"413": map[string]any{"description": "Batch too large"},
						"422": map[string]any{"description": "Batch aborted by an item failure", "content": jsonBody("RunResponse")},
					},
				},
			},
			"/runs/{runID}": map[string]any{
				"get": map[string]any{
					"operationId": "getRun",
					"security":    bearer,
					"parameters": []any{map[string]any{
						"name": "runID", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": map[string]any{"description": "Stored run with its items"},
						"404": map[string]any{"description": "Run not found"},
					},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"Item": map[string]any{
					"type":     "object",
					"required": []string{"json"},
					"properties": map[string]any{
						"json":        map[string]any{"type": "object"},
						"error":       map[string]any{"type": "object"},
						"paired_item": map[string]any{"type": "integer"},
					},
				},
				"RunRequest": map[string]any{
					"type":     "object",
					"required": []string{"items"},
					"properties": map[string]any{
						"items":            map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
						"continue_on_fail": map[string]any{"type": "boolean"},
					},
				},
				"RunResponse": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"run_id": map[string]any{"type": "string"},
						"status": map[string]any{"type": "string", "enum": []string{"succeeded", "partial", "failed"}},
						"items":  map[string]any{"type": "array", "items": map[string]any{"$ref": "#/components/schemas/Item"}},
						"error":  map[string]any{"type": "object"},
					},
				},
			},
		},
	}
}
