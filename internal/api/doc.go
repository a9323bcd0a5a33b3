// Package api hosts the JSON endpoints that relay prompts to the upstream
// generative model.
//
// Handlers validate the request body, forward the normalised prompt through an
// injected upstream.Generator and translate upstream failures into sanitised
// JSON errors. They assume the middleware in internal/server has already
// resolved the client address, admitted the device and applied rate limits.
package api
