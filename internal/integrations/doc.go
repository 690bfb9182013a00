// Package integrations holds clients for services that run beside the
// control plane.
//
// Subpackages:
//   - ragas:    Faithfulness (NLI) scoring via a RAGAS sidecar
//   - langfuse: Exports request spans, scores and outcomes to LangFuse
package integrations
