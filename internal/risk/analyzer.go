package risk

import (
	"context"
	"log/slog"

	"github.com/basket/taskrisk/internal/reasoning"
)

// consult asks the reasoning service and decodes the validated answer into
// out. It returns the provenance to record and, on fallback, the failure
// kind. A nil client behaves like a disabled service.
func consult(ctx context.Context, client *reasoning.Client, logger *slog.Logger, analyzer string, req reasoning.Request, v *reasoning.Validator, out any) (Provenance, string) {
	if client == nil {
		return ProvenanceFallback, string(reasoning.FailureDisabled)
	}
	reply := client.Ask(ctx, req, v)
	if reply.OK() {
		err := reply.Decode(out)
		if err == nil {
			return ProvenanceService, ""
		}
		reply.Failure = &reasoning.Failure{Kind: reasoning.FailureMalformed, Err: err}
	}
	if reply.Failure.Kind != reasoning.FailureDisabled {
		logger.WarnContext(ctx, "analyzer using fallback",
			"analyzer", analyzer,
			"failure", string(reply.Failure.Kind),
			"error", reply.Failure.Err,
		)
	}
	return ProvenanceFallback, string(reply.Failure.Kind)
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
