package web

import (
	"encoding/json"
	"sort"
)

// sampleContexts holds the canned demo payload per review type, so the full
// flow can be driven from a single POST /api/demo call.
var sampleContexts = map[string]json.RawMessage{
	"selection": json.RawMessage(`{"items":[
		{"id":"job_001","title":"Senior Frontend Engineer",
		 "description":"React/Next.js at TechCorp, Berlin.",
		 "metadata":{"salary":"85-110k EUR","remote":"Hybrid"}},
		{"id":"job_002","title":"Full-Stack Developer",
		 "description":"Node.js + React at StartupXYZ, Munich.",
		 "metadata":{"salary":"70-95k EUR","remote":"Fully remote"}},
		{"id":"job_003","title":"Tech Lead",
		 "description":"Team of 8, microservices.",
		 "metadata":{"salary":"110-140k EUR","remote":"On-site"}}
	]}`),

	"approval": json.RawMessage(`{"artifact":{
		"title":"Production Deployment v2.4.0",
		"content":"Changes:\n- Updated auth\n- Fixed rate limiter\n- Added HITL support\n\nRisk: Medium\nRollback: Automated",
		"metadata":{"environment":"production","commit":"a1b2c3d"}
	}}`),

	"input": json.RawMessage(`{"form":{"fields":[
		{"key":"salary_expectation","label":"Salary Expectation (EUR)",
		 "type":"number","required":true,
		 "validation":{"min":30000,"max":300000}},
		{"key":"start_date","label":"Earliest Start Date",
		 "type":"date","required":true},
		{"key":"work_auth","label":"Work Authorization",
		 "type":"select","required":true,
		 "options":[{"value":"citizen","label":"EU Citizen"},
		            {"value":"blue_card","label":"Blue Card"},
		            {"value":"visa_required","label":"Visa Required"}]}
	]}}`),

	"confirmation": json.RawMessage(`{
		"description":"The following emails will be sent:",
		"items":[{"id":"email_1","label":"Application to TechCorp"},
		         {"id":"email_2","label":"Application to StartupXYZ"}]
	}`),

	"escalation": json.RawMessage(`{"error":{
		"title":"Deployment Failed",
		"summary":"Container OOMKilled",
		"details":"Error: OOMKilled\nMemory: 2.1GB / 2GB\nPod: web-api-7b8c9d-xk4m2"
	},"params":{"memory":"2GB","replicas":"3"}}`),
}

// samplePrompts pairs each demo type with its human-facing question.
var samplePrompts = map[string]string{
	"selection":    "Select which jobs to apply for",
	"approval":     "Approve production deployment v2.4.0",
	"input":        "Provide application details",
	"confirmation": "Confirm sending 2 emails",
	"escalation":   "Deployment failed - decide how to proceed",
}

// sampleTypes lists the demo types in a stable order for error messages.
func sampleTypes() []string {
	out := make([]string, 0, len(sampleContexts))
	for k := range sampleContexts {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}
