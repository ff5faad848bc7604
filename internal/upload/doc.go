// Package upload turns a browser's submission into artifacts on a pairing key.
//
// The HTTP layer spools each multipart file into the scratch directory and
// hands the Service a Request. From then on the Service owns those files:
// every file is either registered on the key as an artifact or deleted.
//
// A submission is processed entirely inside session.Store.Update, so two
// uploads to one key never interleave. Per file the Service:
//
//  1. checks the size limit and the extension allow-list
//  2. sniffs the content type and requires it to fit the extension
//  3. normalizes the display name
//  4. runs a conversion profile when the device and the uploader opted in
//  5. registers the artifact, replacing one with the same display name
//
// The optional URL is recorded independently of the files. Errors for
// individual files are collected in the Result; Handle only fails outright
// when the key is unknown or nothing valid was submitted.
package upload
