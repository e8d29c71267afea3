// -----------------------------------------------------------------------
// Provider - LLM boundary of the enhancement domain
// -----------------------------------------------------------------------

package enhancement

import "context"

// Provider generates rewritten résumé text. The production implementation
// calls Claude; tests substitute their own. A provider makes exactly one
// attempt per call and returns classified errors; retries belong to the
// job machinery.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
