package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Madrasah Billing API",
        "description": "Enrollment withdrawal and family billing reconciliation service",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Withdrawals", "description": "Student and family withdrawal, re-enrollment and previews"},
        {"name": "Billing", "description": "Family subscription controls and the divergence ledger"}
    ],
    "paths": {
        "/students/{id}/withdraw": {
            "post": {
                "tags": ["Withdrawals"],
                "summary": "Withdraw a student",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/WithdrawRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error or last active child", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Student not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already withdrawn", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{id}/withdraw-siblings": {
            "post": {
                "tags": ["Withdrawals"],
                "summary": "Withdraw a student and all siblings",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/WithdrawRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{id}/re-enroll": {
            "post": {
                "tags": ["Withdrawals"],
                "summary": "Re-enroll a withdrawn student",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": false, "schema": {"$ref": "#/definitions/ReEnrollRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Student is not withdrawn", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/students/{id}/withdraw-preview": {
            "get": {
                "tags": ["Withdrawals"],
                "summary": "Preview the billing effect of withdrawing a student",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/families/{id}/withdraw": {
            "post": {
                "tags": ["Withdrawals"],
                "summary": "Withdraw every active member of a family",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/WithdrawRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Family not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/families/{id}/withdraw-preview": {
            "get": {
                "tags": ["Withdrawals"],
                "summary": "Preview a family withdrawal",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/families/{id}/billing/pause": {
            "post": {
                "tags": ["Billing"],
                "summary": "Pause collection of a family subscription",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid subscription state or provider not configured", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "No active subscription", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/families/{id}/billing/resume": {
            "post": {
                "tags": ["Billing"],
                "summary": "Resume collection of a paused family subscription",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/billing/divergences": {
            "get": {
                "tags": ["Billing"],
                "summary": "List recorded billing divergences",
                "parameters": [
                    {"name": "state", "in": "query", "type": "string", "enum": ["open", "resolved"]},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/billing/divergences/export": {
            "get": {
                "tags": ["Billing"],
                "summary": "Download the divergence ledger",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "state", "in": "query", "type": "string", "enum": ["open", "resolved"]},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "File", "schema": {"type": "file"}}
                }
            }
        },
        "/billing/divergences/{id}/verify": {
            "post": {
                "tags": ["Billing"],
                "summary": "Re-read the provider for a divergence",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/billing/divergences/{id}/resolve": {
            "post": {
                "tags": ["Billing"],
                "summary": "Mark a divergence as reconciled by hand",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ResolveDivergenceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already resolved", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "BillingDirective": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "enum": ["auto_recalculate", "cancel_subscription", "keep_current", "custom"]},
                "amount": {"type": "integer", "description": "Minor units; required for custom"}
            },
            "required": ["kind"]
        },
        "WithdrawRequest": {
            "type": "object",
            "properties": {
                "reason": {"type": "string", "enum": ["RELOCATION", "FINANCIAL", "SCHEDULE_CONFLICT", "ACADEMIC", "HEALTH", "PERSONAL", "OTHER"]},
                "note": {"type": "string"},
                "billing": {"$ref": "#/definitions/BillingDirective"}
            },
            "required": ["reason", "billing"]
        },
        "ReEnrollRequest": {
            "type": "object",
            "properties": {
                "classId": {"type": "string"}
            }
        },
        "ResolveDivergenceRequest": {
            "type": "object",
            "properties": {
                "note": {"type": "string"}
            },
            "required": ["note"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
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
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"},
                "request_id": {"type": "string"}
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
