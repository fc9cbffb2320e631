package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Class Pipeline API",
        "description": "Turns uploaded lectures into structured classes and exam-prep material",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Sessions", "description": "Class and exam-prep creation pipeline"},
        {"name": "Invitations", "description": "Phone invitations to published sessions"},
        {"name": "Admin", "description": "Operator views"}
    ],
    "paths": {
        "/sessions/class": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Upload a lecture and create a class session",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "title", "in": "formData", "type": "string", "required": true},
                    {"name": "description", "in": "formData", "type": "string"},
                    {"name": "level", "in": "formData", "type": "string"},
                    {"name": "duration", "in": "formData", "type": "string"},
                    {"name": "client_request_id", "in": "formData", "type": "string", "format": "uuid"},
                    {"name": "run_full_pipeline", "in": "formData", "type": "boolean"},
                    {"name": "file", "in": "formData", "type": "file", "required": true}
                ],
                "responses": {
                    "200": {"description": "Existing session for the request id", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid payload", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Media rejected", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "429": {"description": "Too many sessions in progress", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Storage unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/exam-prep": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Upload a lecture and create an exam-prep session",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "title", "in": "formData", "type": "string", "required": true},
                    {"name": "client_request_id", "in": "formData", "type": "string", "format": "uuid"},
                    {"name": "run_full_pipeline", "in": "formData", "type": "boolean"},
                    {"name": "file", "in": "formData", "type": "file", "required": true}
                ],
                "responses": {
                    "200": {"description": "Existing session for the request id", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}": {
            "get": {
                "tags": ["Sessions"],
                "summary": "Get a session with its outline and prerequisites",
                "parameters": [{"name": "id", "in": "path", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "patch": {
                "tags": ["Sessions"],
                "summary": "Edit session metadata or structure",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/PatchSessionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Session is processing", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Sessions"],
                "summary": "Delete a session",
                "parameters": [{"name": "id", "in": "path", "type": "integer", "required": true}],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/sessions/{id}/steps/{step}": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Schedule the next numbered step of a session",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true},
                    {"name": "step", "in": "path", "type": "integer", "required": true, "minimum": 2, "maximum": 5}
                ],
                "responses": {
                    "200": {"description": "Step already done", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "202": {"description": "Scheduled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Unknown step or missing input", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Wrong status", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}/publish": {
            "post": {
                "tags": ["Sessions"],
                "summary": "Publish a finished session and notify invited students",
                "parameters": [{"name": "id", "in": "path", "type": "integer", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Nothing to publish yet", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/sessions/{id}/invitations": {
            "get": {
                "tags": ["Invitations"],
                "summary": "List invitations of a session",
                "parameters": [{"name": "id", "in": "path", "type": "integer", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "post": {
                "tags": ["Invitations"],
                "summary": "Invite phone numbers to a session",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateInvitationsRequest"}}
                ],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admin/overview": {
            "get": {
                "tags": ["Admin"],
                "summary": "Pipeline overview for operators",
                "parameters": [{"name": "window", "in": "query", "type": "string", "description": "Go duration, default 24h"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        }
    },
    "definitions": {
        "PatchSessionRequest": {
            "type": "object",
            "properties": {
                "title": {"type": "string"},
                "description": {"type": "string"},
                "level": {"type": "string"},
                "duration": {"type": "string"},
                "structureJson": {"type": "string"}
            }
        },
        "CreateInvitationsRequest": {
            "type": "object",
            "properties": {
                "phones": {"type": "array", "items": {"type": "string"}}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
