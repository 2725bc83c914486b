// Package main provides the barcontrol command line client for a BAR backup
// server.
//
// This package wires the configuration loader, logging and the client
// package together. It connects with the best transport the available
// credentials allow, authorizes, and either prints server information, runs a
// single command or watches server callbacks until interrupted.
//
// Server callbacks (restore confirmations, password requests) are answered
// on the terminal when stdin is one.
//
// For the protocol engine, see the client package.
package main
