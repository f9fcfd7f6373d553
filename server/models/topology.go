package models

// Pose landmark indices of the 33-point BlazePose topology.
const (
	Nose           = 0
	LeftEyeInner   = 1
	LeftEye        = 2
	LeftEyeOuter   = 3
	RightEyeInner  = 4
	RightEye       = 5
	RightEyeOuter  = 6
	LeftEar        = 7
	RightEar       = 8
	MouthLeft      = 9
	MouthRight     = 10
	LeftShoulder   = 11
	RightShoulder  = 12
	LeftElbow      = 13
	RightElbow     = 14
	LeftWrist      = 15
	RightWrist     = 16
	LeftPinky      = 17
	RightPinky     = 18
	LeftIndex      = 19
	RightIndex     = 20
	LeftThumb      = 21
	RightThumb     = 22
	LeftHip        = 23
	RightHip       = 24
	LeftKnee       = 25
	RightKnee      = 26
	LeftAnkle      = 27
	RightAnkle     = 28
	LeftHeel       = 29
	RightHeel      = 30
	LeftFootIndex  = 31
	RightFootIndex = 32
	NumLandmarks   = 33
)

// Connection is one skeletal edge between two landmark indices.
type Connection struct {
	Start int
	End   int
}

// PoseConnections is the fixed skeleton shared by every result.
var PoseConnections = [...]Connection{
	{Nose, LeftEyeInner},
	{LeftEyeInner, LeftEye},
	{LeftEye, LeftEyeOuter},
	{LeftEyeOuter, LeftEar},
	{Nose, RightEyeInner},
	{RightEyeInner, RightEye},
	{RightEye, RightEyeOuter},
	{RightEyeOuter, RightEar},
	{MouthLeft, MouthRight},
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow},
	{LeftElbow, LeftWrist},
	{LeftWrist, LeftPinky},
	{LeftWrist, LeftIndex},
	{LeftWrist, LeftThumb},
	{LeftPinky, LeftIndex},
	{RightShoulder, RightElbow},
	{RightElbow, RightWrist},
	{RightWrist, RightPinky},
	{RightWrist, RightIndex},
	{RightWrist, RightThumb},
	{RightPinky, RightIndex},
	{LeftShoulder, LeftHip},
	{RightShoulder, RightHip},
	{LeftHip, RightHip},
	{LeftHip, LeftKnee},
	{RightHip, RightKnee},
	{LeftKnee, LeftAnkle},
	{RightKnee, RightAnkle},
	{LeftAnkle, LeftHeel},
	{RightAnkle, RightHeel},
	{LeftHeel, LeftFootIndex},
	{RightHeel, RightFootIndex},
	{LeftAnkle, LeftFootIndex},
	{RightAnkle, RightFootIndex},
}
