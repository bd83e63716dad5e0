package watch

import "github.com/relaymirror/dirsync/internal/fsmirror"

// Classify converts a raw event observed under root into at most one
// classified Action, per the table in the mirror's component design:
// directory creates are uploaded as CreateDir, file creates are dropped
// (the watcher reliably emits Modified immediately after Created, so
// collapsing the pair avoids a zero-byte initial upload), deletes always
// emit DeleteObject, directory modifications are dropped, file
// modifications are handed to the caller as ActionModifyFile for the
// update buffer to debounce, and moves become ActionMove when both
// endpoints stay under root or ActionMoveOut when the destination leaves
// it.
func Classify(root string, ev RawEvent) (Action, bool) {
	switch ev.Kind {
	case RawCreated:
		if !ev.IsDir {
			return Action{}, false
		}
		rel, err := fsmirror.Rel(root, ev.SrcPath)
		if err != nil {
			return Action{}, false
		}
		return Action{Kind: ActionCreateDir, From: rel}, true

	case RawDeleted:
		rel, err := fsmirror.Rel(root, ev.SrcPath)
		if err != nil {
			return Action{}, false
		}
		return Action{Kind: ActionDeleteObject, From: rel}, true

	case RawModified:
		if ev.IsDir {
			return Action{}, false
		}
		rel, err := fsmirror.Rel(root, ev.SrcPath)
		if err != nil {
			return Action{}, false
		}
		return Action{Kind: ActionModifyFile, From: rel}, true

	case RawMoved:
		srcUnder := fsmirror.Under(root, ev.SrcPath)
		destUnder := ev.DestPath != "" && fsmirror.Under(root, ev.DestPath)

		switch {
		case srcUnder && destUnder:
			fromRel, err := fsmirror.Rel(root, ev.SrcPath)
			if err != nil {
				return Action{}, false
			}
			toRel, err := fsmirror.Rel(root, ev.DestPath)
			if err != nil {
				return Action{}, false
			}
			return Action{Kind: ActionMove, From: fromRel, To: toRel}, true

		case srcUnder && !destUnder:
			// Moved out of the tree: most watchers report this as a bare
			// Deleted already, this branch is the defensive fallback.
			fromRel, err := fsmirror.Rel(root, ev.SrcPath)
			if err != nil {
				return Action{}, false
			}
			return Action{Kind: ActionMoveOut, From: fromRel}, true

		default:
			return Action{}, false
		}
	}
	return Action{}, false
}
