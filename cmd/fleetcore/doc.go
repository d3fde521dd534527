// Command fleetcore runs the experiment engine as a standalone
// process: state machine listeners, checkpoint sweeping and the
// metrics endpoint.
//
//	fleetcore serve                        start the engine
//	fleetcore serve --config config.yaml   with a config file
//	fleetcore migrate up                   apply the schema
//	fleetcore migrate status               inspect the schema
//	fleetcore health                       probe a running engine
//	fleetcore version                      print the version
package main
