// Package control provides the PID controller shared by the dosing,
// temperature and stirring jobs.
package control
