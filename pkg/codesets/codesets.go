// Package codesets names the coding systems and fixed billing values the
// relay reads from inbound payloads and sends to the EHR.
package codesets

// Coding system names as they appear in the Codeset field of inbound
// transaction payloads.
const (
	ICD10 = "ICD-10"
	ICD9  = "ICD-9"
	CPT   = "CPT"
	HCPCS = "HCPCS"
)

// BillForService is sent with every encounter service submission.
const BillForService = "true"
