/*
Package system manages the startup, running, metrics and shutdown of a Go service.

Most, if not all, services need to run a bunch of things in the background (such as
HTTP servers, healthchecks, metrics and worker loops). They also need to shut down
cleanly when told to. Particularly for services offering REST APIs in Kubernetes, they
should also wait a little time before shutting down, in order to avoid disconnecting
active users.

This package rolls all this up in an easy to consume form: register everything,
then call Run. The first terminal event, an OS signal, a fatal service error or
an explicit Shutdown call, is collapsed into a single broadcast that drains every
registered service before Run returns the aggregate outcome.
*/
package system
