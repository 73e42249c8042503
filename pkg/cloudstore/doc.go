// Package cloudstore uploads collected artifacts to an S3-compatible
// object store.
//
// Two upload paths exist, selected by size: artifacts at or above the
// multipart threshold (100 MiB by default) stream through the SDK's
// parallel multipart uploader; smaller ones go up in a single
// PutObject. Keys are deterministic, {tool}/{hostname}/{artifact}, so
// re-running a collection overwrites its own output instead of
// scattering duplicates.
//
// Head is the load-bearing call. The upload transport, especially when
// routed through a forward proxy, can report failure after the object
// landed, so the pipeline treats only a successful HeadObject with the
// expected size as proof of upload.
//
// Credentials are always injected by the calling layer. Custom
// endpoints switch the client to path-style addressing for non-AWS
// stores.
package cloudstore
