// Package transform implements the model-backed segment transforms.
//
// An Editor turns segments into prompts and parses model output back into
// revisions. It is backed by a Completer, which is either the Anthropic
// Messages API client or any langchaingo model:
//
//	client, err := transform.NewAnthropic(transform.Config{
//	    APIKey: key,
//	    Model:  "claude-sonnet-4-5",
//	})
//	if err != nil {
//	    return err
//	}
//	editor := transform.NewEditor(client)
//	summary, err := orchestrator.Run(ctx, projectID, segments, editor)
//
// All errors returned by Editor.Apply wrap one of manuscript.ErrTransformTimeout,
// manuscript.ErrTransformRejected or manuscript.ErrTransformUnavailable.
package transform
