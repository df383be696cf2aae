package vault

import (
	"fmt"
	"time"

	"github.com/dharsanguruparan/callscript/internal/audio"
	"github.com/dharsanguruparan/callscript/internal/model"
)

// ObjectKey returns the bucket key for a call's recording:
// YYYY/MM/DD/<call-id>.<ext>, dated by the call's UTC start time. Calls
// without a start time are dated by fallback.
func ObjectKey(call model.Call, contentType string, fallback time.Time) string {
	day := call.StartTime
	if day.IsZero() {
		day = fallback
	}
	return fmt.Sprintf("%s/%s.%s", day.UTC().Format("2006/01/02"), call.ID, audio.Extension(contentType))
}
