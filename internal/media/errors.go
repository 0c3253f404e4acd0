package media

import "errors"

// ErrNotActiveSharer is returned for screen frames from anyone but the
// current sharer.
var ErrNotActiveSharer = errors.New("sender is not the active screen sharer")
